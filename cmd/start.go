package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/kvcore/engine"
)

var (
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Open and recover the store, then optionally run a workload against it",
		RunE:  startRun,
	}

	workloadRows = 0
	waitForExit  = false
)

func init() {
	fs := startCmd.Flags()

	fs.IntVar(&workloadRows, "workload-rows", workloadRows,
		"rows for each worker to insert, update, and delete; 0 runs no workload")
	fs.BoolVar(&waitForExit, "wait", waitForExit, "wait for ^C before shutting down")

	kvcoreCmd.AddCommand(startCmd)
}

func openEngine(ctx context.Context) (*engine.Engine, error) {
	e, err := engine.Open(ctx, cfg, log.StandardLogger())
	if err != nil {
		return nil, fmt.Errorf("kvcore: %s", err)
	}
	return e, nil
}

func startRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.Close(context.Background())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	defer signal.Stop(ch)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()

	if workloadRows > 0 {
		stats, err := e.RunWorkload(ctx, cfg.Workers, workloadRows)
		if err != nil {
			return fmt.Errorf("kvcore: workload: %s", err)
		}
		fmt.Printf("kvcore: %d inserted, %d updated, %d deleted, %d retries\n",
			stats.Inserted, stats.Updated, stats.Deleted, stats.Retries)
	}

	samples, err := e.Metrics().Samples()
	if err != nil {
		return fmt.Errorf("kvcore: %s", err)
	}
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"metric", "value"})
	for _, s := range samples {
		tw.Append([]string{s.Name, strconv.FormatFloat(s.Value, 'f', -1, 64)})
	}
	tw.Render()

	if waitForExit {
		fmt.Println("kvcore: waiting for ^C to shutdown")
		<-ctx.Done()
	}
	fmt.Println("kvcore: shutting down")
	return nil
}
