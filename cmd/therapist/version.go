package main

import (
	"github.com/spf13/cobra"

	"github.com/kailas-cloud/therapist/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println("therapist " + version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
