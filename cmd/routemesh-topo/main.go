// Command routemesh-topo is a diagnostic tool for a simulated link-state
// internetwork described by a TOML topology file: it floods every router's
// link-state advertisements over an in-memory socket fabric (or, with
// --backend raw, real raw sockets) and prints the
// forwarding table each one converges on. It never starts a client or
// server and never drives a live HTTP exchange — that orchestration is
// deliberately out of scope, exercised only by this module's test suite.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalVerbose bool
	globalLogger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "routemesh-topo",
	Short: "Validate a simulated link-state internetwork topology",
	Long: `routemesh-topo loads a TOML topology describing a mesh of routers
and their directly attached client/server endpoints and validates it: every
router floods link-state advertisements and computes shortest paths over
an in-memory socket fabric (or real raw sockets), and the resulting forwarding tables are
printed for inspection.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the routemesh-topo version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
