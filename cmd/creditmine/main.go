package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:   "creditmine",
		Short: "BitTorrent credit mining daemon",
		Long: `creditmine seeds swarms that need help, picked by a selection policy,
to earn upload credit while the user's own transfers keep priority.

Commands:
  creditmine start       Run the mining daemon
  creditmine sources     List configured discovery sources
  creditmine pending     List swarms with stored resume state
  creditmine policies    List selection policies
  creditmine backends    List resume state backends`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newSourcesCmd())
	rootCmd.AddCommand(newPendingCmd())
	rootCmd.AddCommand(newPoliciesCmd())
	rootCmd.AddCommand(newBackendsCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd.ExecuteContext(context.Background())
}
