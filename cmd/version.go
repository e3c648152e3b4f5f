package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const version = "kvcore 0.1.0"

func init() {
	kvcoreCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of kvcore",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version)
			},
		})
}
