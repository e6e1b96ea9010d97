package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/nearsandbox/internal/network"
	"github.com/p-arndt/nearsandbox/internal/sandbox"
)

var (
	connectRPCAddr   string
	connectHome      string
	connectAccount   string
	connectSecretKey string
	connectTimeout   time.Duration
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Check that an externally started sandbox node is reachable",
	Long: `Attaches to a node that is already running. The node is never stopped by
this command. The validator key comes either from --home or from
--account together with --secret-key.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectRPCAddr, "rpc-addr", "", "RPC address of the running node")
	connectCmd.Flags().StringVar(&connectHome, "home", "", "home directory holding validator_key.json")
	connectCmd.Flags().StringVar(&connectAccount, "account", "", "validator account id")
	connectCmd.Flags().StringVar(&connectSecretKey, "secret-key", "", "validator secret key")
	connectCmd.Flags().DurationVar(&connectTimeout, "timeout", 10*time.Second, "how long to wait for the node")
	connectCmd.MarkFlagRequired("rpc-addr")
	connectCmd.MarkFlagsMutuallyExclusive("home", "account")
	connectCmd.MarkFlagsRequiredTogether("account", "secret-key")
	rootCmd.AddCommand(connectCmd)
}

func validatorKeyFromFlags() (sandbox.ValidatorKey, error) {
	switch {
	case connectHome != "":
		return sandbox.HomeDir(connectHome), nil
	case connectAccount != "":
		return sandbox.Known(connectAccount, connectSecretKey), nil
	default:
		return nil, fmt.Errorf("either --home or --account/--secret-key is required")
	}
}

func runConnect(cmd *cobra.Command, args []string) error {
	key, err := validatorKeyFromFlags()
	if err != nil {
		return err
	}

	w, err := network.Sandbox().RPCAddr(connectRPCAddr).ValidatorKey(key).Build(cmd.Context())
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), connectTimeout)
	defer cancel()
	if err := w.WaitReady(ctx, 250*time.Millisecond); err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "sandbox reachable at %s (%s)\n", w.RPCAddr(), key)
	return nil
}
