package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/punt-labs/biff/internal/config"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter .biff config at the repository root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			root, ok := config.FindRepoRoot(cwd)
			if !ok {
				return fmt.Errorf("not inside a repository")
			}

			path := filepath.Join(root, config.ConfigFileName)
			if _, err := os.Stat(path); err == nil {
				fmt.Println("Config already exists:", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.Starter), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
}
