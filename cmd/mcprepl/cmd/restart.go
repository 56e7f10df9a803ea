package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop and start the proxy",
	Long: `Restart the mcprepl proxy: stop the running instance, then start a
fresh one with the current configuration. Registered REPL backends survive
the restart; their next heartbeat re-registers them automatically.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStop(cmd, nil); err != nil {
			// Not fatal: restarting a proxy that is not running just starts it.
			fmt.Fprintln(os.Stderr, err)
		}
		startPort = stopPort
		if startPort == 0 {
			startPort = -1
		}
		runStart(cmd, nil)
	},
}

func init() {
	restartCmd.Flags().IntVar(&stopPort, "port", 0, "port of the proxy to restart")
	restartCmd.Flags().BoolVar(&startBackground, "background", false, "run the new proxy detached")
	rootCmd.AddCommand(restartCmd)
}
