package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"deplight/internal/security"
)

var (
	runsLimit int
	runsJSON  bool
)

var runsCmd = &cobra.Command{
	Use:   "runs DEPLOYMENT_ID",
	Short: "Show the run history of a deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "Print JSON")
}

func runRuns(cmd *cobra.Command, args []string) error {
	if err := security.ValidateID("deployment id", args[0]); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, hist, err := openStore(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := hist.List(context.Background(), args[0], runsLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if runsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Printf("No runs recorded for '%s'.\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tACTOR\tVERSION\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.DurationSeconds != nil {
			duration = (time.Duration(*r.DurationSeconds * float64(time.Second))).Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Status, r.Actor, r.Version,
			r.StartedAt.Local().Format(time.DateTime), duration)
	}
	return w.Flush()
}
