//go:build unix

package reaper

import (
	"golang.org/x/sys/unix"

	"github.com/p-arndt/nearsandbox/internal/procinfo"
)

// OSProcesses inspects and signals real processes.
type OSProcesses struct{}

// Alive sends signal 0. EPERM means the pid exists but belongs to someone else.
func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func (OSProcesses) Kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return err
	}
	return nil
}

func (OSProcesses) StartTime(pid int) (uint64, error) {
	return procinfo.StartTime(pid)
}
