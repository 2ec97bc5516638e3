//go:build windows

package pidfile

import (
	"golang.org/x/sys/windows"
)

// processAlive asks the object manager whether the pid is still backed
// by a running process.
func processAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}

	return code == windows.STILL_ACTIVE
}
