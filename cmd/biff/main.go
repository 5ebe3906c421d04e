// Command biff is a team-communication MCP server: presence,
// messaging, and session history for everyone working in the same
// repository.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/punt-labs/biff/internal/logging"
)

const version = "0.4.0"

func main() {
	var logLevel string

	root := &cobra.Command{
		Use:           "biff",
		Short:         "biff — see and message your teammates without leaving the terminal",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup()
			if logLevel != "" {
				level, err := logging.ParseLevel(logLevel)
				if err != nil {
					return err
				}
				logging.SetLevel(level)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		serveCmd(),
		initCmd(),
		doctorCmd(),
		installCmd(),
		uninstallCmd(),
		installStatuslineCmd(),
		uninstallStatuslineCmd(),
		statuslineCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "biff:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the biff version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("biff", version)
		},
	}
}
