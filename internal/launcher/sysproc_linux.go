//go:build linux

package launcher

import "syscall"

// The kernel sends SIGKILL to the node when the thread that started it exits,
// which covers a supervisor that dies without tearing the node down.
func childSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
}
