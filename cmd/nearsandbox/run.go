package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/nearsandbox/internal/network"
)

var runWait time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a sandbox node and keep it running until interrupted",
	Long: `Initializes a fresh home directory, reserves an RPC and a network port and
starts near-sandbox on them. The node is killed on SIGINT/SIGTERM.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().DurationVar(&runWait, "wait", 60*time.Second, "how long to wait for the RPC endpoint (0 disables)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	opts, err := sandboxOptions(cfg, st, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := network.Sandbox().WithOptions(opts).Build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error("teardown failed", "error", err)
		}
	}()

	srv, _ := w.Server()

	if runWait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, runWait)
		err := w.WaitReady(waitCtx, 250*time.Millisecond)
		cancel()
		if err != nil {
			return fmt.Errorf("sandbox did not become ready (see %s/node.log): %w", srv.HomeDir(), err)
		}
	}

	fmt.Fprintf(os.Stdout, "\n  sandbox ready at %s\n  home: %s\n  pid:  %d\n\n", w.RPCAddr(), srv.HomeDir(), srv.Pid())

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case <-srv.Exited():
		return fmt.Errorf("sandbox exited unexpectedly (see %s/node.log)", srv.HomeDir())
	}
	return nil
}
