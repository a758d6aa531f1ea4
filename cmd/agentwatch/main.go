// Command agentwatch tracks agent liveness reports, detects silent
// agents and forwards alerts.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "agentwatch",
		Short:   "Agent liveness tracking and zombie detection",
		Version: version,
		Long: `agentwatch accepts periodic liveness reports from agents, declares an
agent dead when it stays silent for twice its reporting interval, and
delivers alerts for deaths, restarts and emergencies.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
