package reaper

import "github.com/p-arndt/nearsandbox/internal/store"

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListRunningNodes() ([]*store.Node, error)
	UpdateNodeStatus(id string, status string) error
}

// ProcessTable abstracts the process operations needed by the reaper.
type ProcessTable interface {
	Alive(pid int) bool
	// StartTime identifies the process currently holding pid.
	StartTime(pid int) (uint64, error)
	Kill(pid int) error
}
