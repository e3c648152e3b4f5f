package cmd

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	kvcoreCmd.AddCommand(
		&cobra.Command{
			Use:   "config",
			Short: "Print each config variable, its value, and where the value came from",
			Run: func(cmd *cobra.Command, args []string) {
				tw := tablewriter.NewWriter(os.Stdout)
				tw.SetAutoFormatHeaders(false)
				tw.SetHeader([]string{"name", "by", "value"})
				for _, p := range cfg.Params() {
					tw.Append([]string{p.Name, p.By, p.Value})
				}
				tw.Render()
			},
		})
}
