package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/p-arndt/nearsandbox/internal/store"
)

var psAll bool

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List recorded sandbox nodes",
	RunE:  runPs,
}

func init() {
	psCmd.Flags().BoolVarP(&psAll, "all", "a", false, "include stopped, crashed and reaped nodes")
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var nodes []*store.Node
	if psAll {
		nodes, err = st.ListNodes()
	} else {
		nodes, err = st.ListRunningNodes()
	}
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	if len(nodes) == 0 {
		fmt.Println("No sandbox nodes found. Start one with: nearsandbox run")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPID\tRPC\tNET PORT\tSTATUS\tCREATED\tHOME")
	for _, n := range nodes {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\t%s ago\t%s\n",
			shortID(n.ID), n.PID, n.RPCAddr, n.NetPort, n.Status,
			units.HumanDuration(time.Since(n.CreatedAt)), n.HomeDir)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
