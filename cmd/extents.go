package cmd

import (
	"context"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func init() {
	kvcoreCmd.AddCommand(
		&cobra.Command{
			Use:   "extents",
			Short: "Print the allocation state of each extent in the table space",
			RunE:  extentsRun,
		})
}

func extentsRun(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(ctx)

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"extent", "start page", "pages", "free", "allocated", "full"})
	for _, ext := range e.Space().Extents() {
		st := ext.Stats()
		tw.Append([]string{
			strconv.FormatUint(ext.ExtentID(), 10),
			strconv.FormatUint(ext.StartPage(), 10),
			strconv.Itoa(st.DataPages),
			strconv.Itoa(st.Free),
			strconv.Itoa(st.Allocated),
			strconv.Itoa(st.Full),
		})
	}
	tw.Render()
	return nil
}
