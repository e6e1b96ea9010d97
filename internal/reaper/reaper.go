// Package reaper cleans up sandbox nodes whose supervising process went away
// without tearing them down.
package reaper

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/p-arndt/nearsandbox/internal/store"
)

type Reaper struct {
	store      ReaperStore
	procs      ProcessTable
	interval   time.Duration
	removeHome bool
	logger     *slog.Logger
}

// DefaultInterval is used when New is given a non-positive interval.
const DefaultInterval = 30 * time.Second

func New(st ReaperStore, procs ProcessTable, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		store:    st,
		procs:    procs,
		interval: interval,
		logger:   logger,
	}
}

// SetRemoveHome makes the reaper delete the home directory of every node it
// marks reaped or crashed.
func (r *Reaper) SetRemoveHome(remove bool) {
	r.removeHome = remove
}

// Result counts what a single pass did.
type Result struct {
	Reaped  int
	Crashed int
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.ReapOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce checks every node recorded as running. A node whose process is gone,
// or whose pid now belongs to a different process, is marked crashed. A live
// node whose owner is gone is killed and marked reaped. A node is only ever
// killed after its recorded start time matches the live process.
func (r *Reaper) ReapOnce(ctx context.Context) (Result, error) {
	var res Result

	running, err := r.store.ListRunningNodes()
	if err != nil {
		r.logger.Error("reaper: list running nodes", "error", err)
		return res, err
	}

	for _, node := range running {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if !r.procs.Alive(node.PID) {
			r.logger.Warn("reaper: node process not running, marking crashed",
				"node_id", node.ID, "pid", node.PID)
			r.finish(node, store.StatusCrashed)
			res.Crashed++
			continue
		}

		verified := r.sameProcess(node.PID, node.StartTime)
		if node.StartTime != 0 && !verified {
			r.logger.Warn("reaper: node pid belongs to another process, marking crashed",
				"node_id", node.ID, "pid", node.PID)
			r.finish(node, store.StatusCrashed)
			res.Crashed++
			continue
		}

		if r.ownerAlive(node) {
			continue
		}

		if !verified {
			r.logger.Warn("reaper: owner gone but node identity unknown, not killing",
				"node_id", node.ID, "pid", node.PID, "owner_pid", node.OwnerPID)
			r.finish(node, store.StatusCrashed)
			res.Crashed++
			continue
		}

		r.logger.Info("reaping orphaned node",
			"node_id", node.ID, "pid", node.PID, "owner_pid", node.OwnerPID, "rpc_port", node.RPCPort)
		if err := r.procs.Kill(node.PID); err != nil {
			r.logger.Error("reaper: kill node", "node_id", node.ID, "pid", node.PID, "error", err)
			continue
		}
		r.finish(node, store.StatusReaped)
		res.Reaped++
	}

	if res.Reaped > 0 || res.Crashed > 0 {
		r.logger.Info("reaper: pass complete", "reaped", res.Reaped, "crashed", res.Crashed)
	}
	return res, nil
}

// sameProcess reports whether pid is still the process recorded with
// startTime. An unknown (zero) start time never matches.
func (r *Reaper) sameProcess(pid int, startTime uint64) bool {
	if startTime == 0 {
		return false
	}
	got, err := r.procs.StartTime(pid)
	return err == nil && got == startTime
}

// ownerAlive treats a recycled owner pid as a dead owner when the owner's start
// time was recorded.
func (r *Reaper) ownerAlive(node *store.Node) bool {
	if !r.procs.Alive(node.OwnerPID) {
		return false
	}
	return node.OwnerStartTime == 0 || r.sameProcess(node.OwnerPID, node.OwnerStartTime)
}

func (r *Reaper) finish(node *store.Node, status string) {
	if err := r.store.UpdateNodeStatus(node.ID, status); err != nil {
		r.logger.Error("reaper: update status", "node_id", node.ID, "error", err)
	}
	if r.removeHome && node.HomeDir != "" {
		if err := os.RemoveAll(node.HomeDir); err != nil {
			r.logger.Warn("reaper: remove home dir", "node_id", node.ID, "home_dir", node.HomeDir, "error", err)
		}
	}
}
