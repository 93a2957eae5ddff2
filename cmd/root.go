// Package cmd implements the CLI, built on cobra, against the daemon's
// Unix Domain Socket control plane.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	jobsFile   string
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:   "streamrt",
	Short: "streamrt - causal-recovery stream task runtime",
	Long: `streamrt runs a distributed stream-processing task graph with
determinant-logged causal recovery: every vertex logs the nondeterministic
choices it makes, and after a crash replays them from its upstream peers
before resuming output (epoch tracking, in-flight logs, pipelined
subpartitions, and the recovery FSM).

Control a running daemon over its Unix Domain Socket, or run the daemon
itself in the foreground.`,
	Version: "0.1.0",
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/streamrt/config.yml",
		"global config file path")
	rootCmd.PersistentFlags().StringVarP(&jobsFile, "jobs", "j", "/etc/streamrt/jobs.yml",
		"job definitions file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/streamrt.sock",
		"daemon control socket path")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reloadCmd)
}

func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
