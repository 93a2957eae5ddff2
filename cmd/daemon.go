package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/streamrt/internal/daemon"
)

var pidFile string

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the streamrt daemon in the foreground",
	Long: `Run the streamrt daemon process in the foreground.

The daemon loads the global config and job definitions, starts the metrics
and control-plane servers, assembles every configured task, and blocks
handling signals (SIGTERM/SIGINT to stop, SIGHUP to reload) or commands
arriving over the control socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "/var/run/streamrt.pid", "pid file path")
}

func runDaemon() error {
	fmt.Printf("starting streamrt daemon (config=%s jobs=%s socket=%s)\n", configFile, jobsFile, socketPath)

	d, err := daemon.New(configFile, jobsFile, socketPath, pidFile)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return d.Run()
}
