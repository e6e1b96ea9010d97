//go:build !unix

package reaper

import (
	"errors"
	"os"

	"github.com/p-arndt/nearsandbox/internal/procinfo"
)

type OSProcesses struct{}

func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func (OSProcesses) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (OSProcesses) StartTime(pid int) (uint64, error) {
	return procinfo.StartTime(pid)
}
