//go:build !linux

package launcher

import "syscall"

func childSysProcAttr() *syscall.SysProcAttr {
	return nil
}
