package platform

// WindowInfo describes the current foreground window
type WindowInfo struct {
	ProcessName string `json:"processName"`
	WindowTitle string `json:"windowTitle"`
}

// WindowAPI defines the platform-specific foreground window probe.
// GetForegroundWindow returns nil when no window has focus or the probe
// fails; callers treat that as "nothing observed".
type WindowAPI interface {
	GetForegroundWindow() *WindowInfo
}

// IdleAPI defines the platform-specific input idle probe.
// IdleSeconds returns elapsed seconds since the last keyboard or mouse
// input, measured against a monotonic source.
type IdleAPI interface {
	IdleSeconds() (int64, error)
}
