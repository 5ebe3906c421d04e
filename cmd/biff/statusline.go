package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/punt-labs/biff/internal/statusline"
)

func installStatuslineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install-statusline",
		Short: "Add the unread-message segment to the status bar",
		RunE: func(cmd *cobra.Command, args []string) error {
			sl, err := statusline.Default()
			if err != nil {
				return err
			}
			msg, err := sl.Install()
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func uninstallStatuslineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall-statusline",
		Short: "Restore the status bar to what it was before install-statusline",
		RunE: func(cmd *cobra.Command, args []string) error {
			sl, err := statusline.Default()
			if err != nil {
				return err
			}
			msg, err := sl.Uninstall()
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		},
	}
}

func statuslineCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "statusline",
		Short:  "Render the status bar segment (invoked by the status bar itself)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sl, err := statusline.Default()
			if err != nil {
				return err
			}
			return sl.Render(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}
