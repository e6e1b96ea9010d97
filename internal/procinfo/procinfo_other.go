//go:build !linux

package procinfo

func StartTime(pid int) (uint64, error) {
	return 0, ErrUnsupported
}
