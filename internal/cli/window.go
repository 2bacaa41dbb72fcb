package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/RickSF09/eva-sub001/internal/allowance"
)

type windowJSON struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type windowReport struct {
	PeriodStart time.Time    `json:"periodStart"`
	PeriodEnd   time.Time    `json:"periodEnd"`
	At          time.Time    `json:"at"`
	Current     windowJSON   `json:"current"`
	Windows     []windowJSON `json:"windows"`
}

func newWindowCmd(opts *options) *cobra.Command {
	var start, end, at string

	cmd := &cobra.Command{
		Use:   "window",
		Short: "Show the allowance windows of a billing period",
		Example: `  tallyctl window --start 2024-01-31 --end 2024-04-30 --at 2024-02-15
  tallyctl window --start 2024-03-01T00:00:00Z --end 2025-03-01T00:00:00Z -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			ps, err := parseInstant(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			pe, err := parseInstant(end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			ref := time.Now().UTC()
			if at != "" {
				if ref, err = parseInstant(at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			current, ok := allowance.Current(&ps, &pe, ref)
			if !ok {
				return fmt.Errorf("no allowance window: start %s is not before end %s", ps.Format(time.RFC3339), pe.Format(time.RFC3339))
			}

			report := windowReport{
				PeriodStart: ps.UTC(),
				PeriodEnd:   pe.UTC(),
				At:          ref.UTC(),
				Current:     windowJSON(current),
			}
			for _, w := range allowance.Tile(&ps, &pe) {
				report.Windows = append(report.Windows, windowJSON(w))
			}

			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printWindows(cmd, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "period start (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "period end (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&at, "at", "", "reference instant (default now)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func printWindows(cmd *cobra.Command, r windowReport) {
	out := cmd.OutOrStdout()
	highlight := color.New(color.FgGreen, color.Bold).SprintFunc()

	fmt.Fprintf(out, "Period:  %s -> %s\n", r.PeriodStart.Format(time.RFC3339), r.PeriodEnd.Format(time.RFC3339))
	fmt.Fprintf(out, "At:      %s\n", r.At.Format(time.RFC3339))
	fmt.Fprintf(out, "Current: %s\n\n", highlight(fmt.Sprintf("%s -> %s", r.Current.Start.Format(time.RFC3339), r.Current.End.Format(time.RFC3339))))

	for i, w := range r.Windows {
		line := fmt.Sprintf("%3d  %s  %s", i+1, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
		if allowance.Window(w).Contains(r.Current.Start) {
			line = highlight(line + "  *")
		}
		fmt.Fprintln(out, line)
	}
}

func parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}
