// Package procinfo identifies processes beyond their pid, which the kernel
// recycles.
package procinfo

import "errors"

// ErrUnsupported is returned where start times can't be read.
var ErrUnsupported = errors.New("process start time not available on this platform")
