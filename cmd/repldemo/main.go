// Command repldemo drives a small replicated counter object across a
// group of nodes: it's the thing you run to see the rest of this module
// actually exchange ordered multicasts and survive a view change, not a
// production entry point.
//
// Adapted from the teacher's cmd/nova root-command wiring (cobra root
// command, persistent flags, subcommand registration), trimmed to the
// two scenarios this module's group-RPC surface supports instead of
// Nova's function lifecycle.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	pgDSN     string
	redisAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "repldemo",
		Short: "Groupcast replicated-object demo",
		Long:  "Drives a replicated counter object across a group of nodes over ordered multicast RPC",
	}

	rootCmd.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "Postgres DSN for group membership persistence (serve only)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address for cross-process view-change fan-out (serve only, optional)")

	rootCmd.AddCommand(
		simulateCmd(),
		serveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
