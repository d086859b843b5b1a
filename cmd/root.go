package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "elevo",
	Short: "Sandbox workspace service",
	Long: `elevo provisions container-backed execution environments bound to
persistent workspace directories, drives them through an in-container agent,
and exports workspaces over NFSv3.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
