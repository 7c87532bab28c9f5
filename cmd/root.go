package cmd

import (
	"github.com/spf13/cobra"
)

// Execute runs the facegraph CLI.
func Execute() error {
	root := &cobra.Command{
		Use:   "facegraph",
		Short: "Social media content analysis pipeline",
	}
	root.AddCommand(serveCMD(), migrateCMD(), jobsCMD())
	return root.Execute()
}
