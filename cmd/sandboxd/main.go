// sandboxd — malware analysis sandbox orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd orchestrates detonating submitted samples across a fleet of instrumented analysis VMs.",
	Long: `sandboxd accepts suspect binaries over HTTP, fans each one out across a
configured set of virtual machines (each running a distinct security
product or a behavioral monitor), and reports back the alerts and
behavioral events observed during a bounded detonation window.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(3)
	}
}
