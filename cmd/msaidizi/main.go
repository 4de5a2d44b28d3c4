// Msaidizi — sandboxed personal assistant daemon.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "msaidizi",
	Short: "Msaidizi — a sandboxed personal AI assistant daemon.",
	Long: `Msaidizi is a personal AI assistant core that runs every workload inside
a locked-down sandbox. It keeps durable per-user context and memory, executes
scheduled tasks on cron expressions, and proactively checks in on users
through periodic heartbeats.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
