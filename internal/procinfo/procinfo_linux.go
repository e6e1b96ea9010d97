//go:build linux

package procinfo

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
)

// StartTime returns field 22 of /proc/<pid>/stat: clock ticks after boot at
// which the process started.
func StartTime(pid int) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, err
	}
	return parseStat(data)
}

// parseStat skips past comm, which may itself contain spaces and parens.
func parseStat(data []byte) (uint64, error) {
	end := bytes.LastIndexByte(data, ')')
	if end < 0 {
		return 0, fmt.Errorf("malformed stat: %q", data)
	}
	// Fields after comm start at field 3 (state).
	fields := bytes.Fields(data[end+1:])
	const startTimeIdx = 22 - 3
	if len(fields) <= startTimeIdx {
		return 0, fmt.Errorf("malformed stat: %d fields after comm", len(fields))
	}
	return strconv.ParseUint(string(fields[startTimeIdx]), 10, 64)
}
