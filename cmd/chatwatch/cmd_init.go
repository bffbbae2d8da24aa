package main

import (
	"fmt"
	"os"
	"path/filepath"

	"chatwatch/internal/config"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .chatwatch workspace with a config and a smoke suite",
	RunE: func(cmd *cobra.Command, args []string) error {
		root := workspaceDir
		if root == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			root = cwd
		}
		if err := config.InitWorkspace(root); err != nil {
			return err
		}
		fmt.Printf("created %s\n", filepath.Join(root, config.WorkspaceDirName))
		return nil
	},
}
