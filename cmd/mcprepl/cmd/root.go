// Package cmd provides the CLI commands for the mcprepl proxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcprepl/mcprepl/internal/config"
)

var securityFile string

var rootCmd = &cobra.Command{
	Use:   "mcprepl",
	Short: "mcprepl - persistent MCP proxy for Julia REPL sessions",
	Long: `mcprepl keeps a stable MCP endpoint in front of transient Julia REPL
backends. Editors and agents connect once; REPLs can restart, crash, and
re-register underneath without the client noticing.

Quick start:
  1. cd into a workspace (a .mcprepl/security.json is created on first start)
  2. Run: mcprepl start
  3. Point your MCP client at the printed URL

Configuration:
  .mcprepl/security.json in the workspace controls the security mode, API
  keys, and port. Environment variables with the MCPREPL_ prefix override
  everything else (timeouts, launcher command, store path).

Commands:
  start       Start the proxy
  stop        Stop a running proxy
  restart     Stop and start the proxy
  status      Show the state of a running proxy
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&securityFile, "security-file", "",
		"security config file (default: .mcprepl/security.json)")
}

func initConfig() {
	path := securityFile
	if path == "" {
		path = config.SecurityFilePath()
	}
	config.InitViper(path)
}
