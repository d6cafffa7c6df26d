package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rig",
		Short: "rig — agent process bridge and session orchestration",
		Long:  "Rig keeps long-lived coding-agent processes running and bridges them to web clients and chat threads.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRelayCmd())
	cmd.AddCommand(newDispatchCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newBridgesCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newLogsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rig %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
