package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/punt-labs/biff/internal/config"
	"github.com/punt-labs/biff/internal/doctor"
	"github.com/punt-labs/biff/internal/install"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check everything biff needs to run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Flags{})
			if err != nil {
				return err
			}
			inst, err := install.Default()
			if err != nil {
				return err
			}

			results := doctor.Run(cmd.Context(), doctor.Env{Config: cfg, Installer: inst})
			for _, r := range results {
				fmt.Printf("%s %s: %s\n", mark(r), r.Name, r.Detail)
			}

			if n := doctor.RequiredFailures(results); n > 0 {
				return fmt.Errorf("%d required check(s) failed", n)
			}
			fmt.Println("All required checks passed.")
			return nil
		},
	}
}

func mark(r doctor.Result) string {
	switch {
	case r.Passed:
		return color.GreenString("✓")
	case r.Required:
		return color.RedString("✗")
	default:
		return color.YellowString("○")
	}
}
