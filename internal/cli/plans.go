package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/RickSF09/eva-sub001/internal/plans"
	"github.com/RickSF09/eva-sub001/pkg/config"
)

type planJSON struct {
	Slug            string `json:"slug"`
	Name            string `json:"name"`
	PriceID         string `json:"priceId"`
	MinutesIncluded int    `json:"minutesIncluded"`
	TrialMinutes    *int   `json:"trialMinutes,omitempty"`
}

func planView(p plans.Plan) planJSON {
	return planJSON{
		Slug:            p.Slug,
		Name:            p.Name,
		PriceID:         p.PriceID,
		MinutesIncluded: p.MinutesIncluded,
		TrialMinutes:    p.TrialMinutes,
	}
}

func newPlansCmd(opts *options) *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "plans [slug]",
		Short: "List the plan catalog, or show one plan",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			if catalogPath == "" {
				config.LoadEnv(opts.logger())
				catalogPath = config.GetEnv("PLAN_CATALOG_PATH", "")
			}
			catalog, err := plans.LoadFile(catalogPath)
			if err != nil {
				return err
			}

			var list []plans.Plan
			if len(args) == 1 {
				p, ok := catalog.Get(args[0])
				if !ok {
					return fmt.Errorf("unknown plan %q", args[0])
				}
				list = []plans.Plan{p}
			} else {
				list = catalog.Plans()
			}

			if opts.output == "json" {
				views := make([]planJSON, 0, len(list))
				for _, p := range list {
					views = append(views, planView(p))
				}
				return writeJSON(cmd.OutOrStdout(), views)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLUG\tNAME\tPRICE\tMINUTES\tTRIAL")
			for _, p := range list {
				trial := "-"
				if p.TrialMinutes != nil {
					trial = fmt.Sprint(*p.TrialMinutes)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", p.Slug, p.Name, p.PriceID, p.MinutesIncluded, trial)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", "", "catalog file (default PLAN_CATALOG_PATH or built-in)")
	return cmd
}
