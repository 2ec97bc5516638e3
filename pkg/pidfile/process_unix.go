//go:build unix

package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processAlive probes a pid with signal zero. EPERM still means the
// process exists, just owned by someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}
