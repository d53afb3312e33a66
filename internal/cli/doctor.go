package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/TarikYil/AI-Instagram-Content-Generator/internal/stage"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Probe every stage service",
	Long: `Probe the health endpoint of every stage service in parallel and print
which ones are reachable. Exits non-zero when any service is down.

Examples:
  contentpipe doctor
  contentpipe doctor --json`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "print the report as JSON")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	svc := newServices(cfg, logger)
	doctor := stage.NewDoctor(logger, svc.probers()...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.TimeoutHealth()+time.Second)
	defer cancel()

	report, err := doctor.Run(ctx)
	if err != nil {
		return fmt.Errorf("probe services: %w", err)
	}

	if doctorJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(report)
	}

	if !report.AllOK {
		return fmt.Errorf("%d of %d services down", report.Total-report.Healthy, report.Total)
	}
	return nil
}

func printReport(report *stage.Report) {
	names := make([]string, 0, len(report.Services))
	for name := range report.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		status := "ok"
		if !report.Services[name] {
			status = "DOWN"
		}
		fmt.Printf("  %-12s %s\n", name, status)
	}
	fmt.Printf("\n%d/%d services healthy\n", report.Healthy, report.Total)
}
