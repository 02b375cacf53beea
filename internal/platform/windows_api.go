//go:build windows

package platform

import (
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32                       = windows.NewLazySystemDLL("user32.dll")
	kernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	psapi                        = windows.NewLazySystemDLL("psapi.dll")
	procGetForegroundWindow      = user32.NewProc("GetForegroundWindow")
	procGetWindowTextW           = user32.NewProc("GetWindowTextW")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")
	procGetLastInputInfo         = user32.NewProc("GetLastInputInfo")
	procOpenProcess              = kernel32.NewProc("OpenProcess")
	procCloseHandle              = kernel32.NewProc("CloseHandle")
	procGetTickCount             = kernel32.NewProc("GetTickCount")
	procGetModuleFileNameExW     = psapi.NewProc("GetModuleFileNameExW")
)

const (
	processQueryInformation = 0x0400
	processVMRead           = 0x0010
)

// LASTINPUTINFO mirrors the Win32 structure of the same name
type LASTINPUTINFO struct {
	cbSize uint32
	dwTime uint32
}

// WindowsAPI implements WindowAPI and IdleAPI for Windows
type WindowsAPI struct{}

// NewWindowsAPI creates a new Windows API instance
func NewWindowsAPI() *WindowsAPI {
	return &WindowsAPI{}
}

// NewWindowAPI creates a new WindowAPI instance for Windows
func NewWindowAPI() WindowAPI {
	return NewWindowsAPI()
}

// NewIdleAPI creates a new IdleAPI instance for Windows
func NewIdleAPI() IdleAPI {
	return NewWindowsAPI()
}

// GetForegroundWindow returns the process name and title of the focused window
func (w *WindowsAPI) GetForegroundWindow() *WindowInfo {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return nil
	}

	var processID uint32
	procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&processID)))
	if processID == 0 {
		return nil
	}

	info := &WindowInfo{
		ProcessName: processImageName(processID),
		WindowTitle: windowTitle(hwnd),
	}
	if info.ProcessName == "" && info.WindowTitle == "" {
		return nil
	}
	return info
}

// IdleSeconds returns seconds since the last keyboard or mouse input,
// derived from GetLastInputInfo against the system tick counter
func (w *WindowsAPI) IdleSeconds() (int64, error) {
	lii := LASTINPUTINFO{cbSize: uint32(unsafe.Sizeof(LASTINPUTINFO{}))}
	ret, _, err := procGetLastInputInfo.Call(uintptr(unsafe.Pointer(&lii)))
	if ret == 0 {
		return 0, err
	}

	tick, _, _ := procGetTickCount.Call()

	// Both values are 32-bit tick counts that wrap every ~49 days; the
	// unsigned subtraction stays correct across a single wrap
	elapsed := uint32(tick) - lii.dwTime
	return int64(elapsed / 1000), nil
}

// windowTitle reads the window caption text
func windowTitle(hwnd uintptr) string {
	buf := make([]uint16, 512)
	length, _, _ := procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if length == 0 {
		return ""
	}
	return syscall.UTF16ToString(buf[:length])
}

// processImageName resolves a process id to its executable base name
func processImageName(processID uint32) string {
	handle, _, _ := procOpenProcess.Call(
		processQueryInformation|processVMRead,
		0,
		uintptr(processID),
	)
	if handle == 0 {
		return ""
	}
	defer procCloseHandle.Call(handle)

	buf := make([]uint16, windows.MAX_PATH)
	length, _, _ := procGetModuleFileNameExW.Call(
		handle,
		0,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
	)
	if length == 0 {
		return ""
	}

	exePath := syscall.UTF16ToString(buf[:length])
	name := filepath.Base(exePath)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
