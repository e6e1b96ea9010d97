package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/nearsandbox/internal/reaper"
)

var (
	reapWatch      bool
	reapPruneOlder time.Duration
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Kill sandbox nodes whose owning process has exited",
	Long: `Checks every node recorded as running. Nodes whose own process is gone are
marked crashed; nodes that are alive but whose owner died are killed.

With --watch the check repeats every reap_interval_seconds until interrupted.`,
	RunE: runReap,
}

func init() {
	reapCmd.Flags().BoolVar(&reapWatch, "watch", false, "keep reaping until interrupted")
	reapCmd.Flags().DurationVar(&reapPruneOlder, "prune", 0, "also delete finished node records older than this")
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	interval := time.Duration(cfg.ReapIntervalSeconds) * time.Second
	r := reaper.New(st, reaper.OSProcesses{}, interval, logger)
	r.SetRemoveHome(cfg.RemoveHomeOnReap)

	if reapWatch {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		r.Run(ctx)
		return nil
	}

	res, err := r.ReapOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("reaped %d, crashed %d\n", res.Reaped, res.Crashed)

	if reapPruneOlder > 0 {
		n, err := st.PruneStopped(time.Now().Add(-reapPruneOlder))
		if err != nil {
			return fmt.Errorf("prune node records: %w", err)
		}
		fmt.Printf("pruned %d records\n", n)
	}
	return nil
}
