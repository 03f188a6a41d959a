// Package cmd provides the CLI commands for the SARK gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sark-gateway/sark/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sark",
	Short: "SARK - governance gateway for AI tool invocations",
	Long: `SARK is a protocol-agnostic governance gateway. It sits between
principals (users, service accounts, agents) and capability providers
(MCP tool servers, HTTP APIs, gRPC services) and enforces authentication,
policy-based authorization, parameter filtering, rate limiting, cost
attribution with budget control, and full audit with SIEM forwarding.

Configuration:
  Config is loaded from sark.yaml in the current directory,
  $HOME/.sark/, or /etc/sark/.

  Environment variables override config values with the SARK_ prefix.
  Example: SARK_SERVER_ADDR=:9443

Commands:
  serve       Start the gateway
  hash-key    Generate a SHA-256 hash for an API key
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sark.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
