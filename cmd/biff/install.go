package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/punt-labs/biff/internal/install"
)

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Register biff with the coding session (MCP server, commands, status bar)",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := install.Default()
			if err != nil {
				return err
			}
			return reportSteps(inst.Install())
		},
	}
}

func uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove everything install put in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := install.Default()
			if err != nil {
				return err
			}
			return reportSteps(inst.Uninstall())
		},
	}
}

func reportSteps(results []install.StepResult) error {
	failed := 0
	for _, r := range results {
		fmt.Printf("%s %s: %s\n", stepMark(r.Status), r.Name, r.Detail)
		if r.Status == install.StatusFail {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d step(s) failed", failed)
	}
	return nil
}

func stepMark(s install.Status) string {
	switch s {
	case install.StatusOK:
		return color.GreenString("✓")
	case install.StatusSkip:
		return color.YellowString("○")
	default:
		return color.RedString("✗")
	}
}
