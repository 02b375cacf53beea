//go:build darwin

package platform

// DarwinAPI implements WindowAPI and IdleAPI for macOS
type DarwinAPI struct{}

// NewDarwinAPI creates a new macOS API instance
func NewDarwinAPI() *DarwinAPI {
	return &DarwinAPI{}
}

// NewWindowAPI creates a new WindowAPI instance for macOS
func NewWindowAPI() WindowAPI {
	return NewDarwinAPI()
}

// NewIdleAPI creates a new IdleAPI instance for macOS
func NewIdleAPI() IdleAPI {
	return NewDarwinAPI()
}

// GetForegroundWindow gets the currently focused window on macOS.
// TODO: implement via NSWorkspace.frontmostApplication and
// CGWindowListCopyWindowInfo once a cgo build is acceptable.
func (d *DarwinAPI) GetForegroundWindow() *WindowInfo {
	return nil
}

// IdleSeconds returns seconds since the last user input on macOS.
// TODO: implement via IOKit HIDIdleTime once a cgo build is acceptable.
func (d *DarwinAPI) IdleSeconds() (int64, error) {
	return 0, nil
}
