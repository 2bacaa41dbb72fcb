package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RickSF09/eva-sub001/internal/billing"
)

func newResyncCmd(opts *options) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Re-pull an account's subscription from Stripe and overwrite its record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			core, err := opts.openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer core.Close()

			rec, err := core.Reconciler.Resync(cmd.Context(), accountID)
			if err != nil {
				return fmt.Errorf("resync %s: %w", accountID, err)
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), recordView(rec))
			}
			printRecord(cmd, rec)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newUsageCmd(opts *options) *cobra.Command {
	var accountID, at string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Compute an account's usage snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			ref := time.Now()
			if at != "" {
				var err error
				if ref, err = parseInstant(at); err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			core, err := opts.openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer core.Close()

			snap, err := core.Meter.Snapshot(cmd.Context(), accountID, ref)
			if err != nil {
				return fmt.Errorf("usage %s: %w", accountID, err)
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), snap)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Account:   %s\n", accountID)
			fmt.Fprintf(out, "Plan:      %s (trial: %t)\n", orDash(snap.Plan), snap.IsTrial)
			fmt.Fprintf(out, "Window:    %s -> %s\n", formatPtr(snap.PeriodStart), formatPtr(snap.PeriodEnd))
			fmt.Fprintf(out, "Minutes:   %d used / %d included (%d remaining, %d%%)\n",
				snap.MinutesUsed, snap.MinutesIncluded, snap.MinutesRemaining, snap.UsagePercent)
			fmt.Fprintf(out, "Calls:     %d\n", snap.CallCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id")
	cmd.Flags().StringVar(&at, "at", "", "reference instant (default now)")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

type recordJSON struct {
	AccountID         string     `json:"accountId"`
	CustomerID        string     `json:"customerId"`
	SubscriptionID    string     `json:"subscriptionId"`
	Status            string     `json:"status"`
	Plan              string     `json:"plan"`
	PeriodStart       *time.Time `json:"periodStart"`
	PeriodEnd         *time.Time `json:"periodEnd"`
	CancelAtPeriodEnd bool       `json:"cancelAtPeriodEnd"`
	HasAccess         bool       `json:"hasAccess"`
}

func recordView(rec *billing.Record) recordJSON {
	return recordJSON{
		AccountID:         rec.AccountID,
		CustomerID:        rec.CustomerID,
		SubscriptionID:    rec.SubscriptionID,
		Status:            rec.Status,
		Plan:              rec.PlanSlug,
		PeriodStart:       rec.PeriodStart,
		PeriodEnd:         rec.PeriodEnd,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
		HasAccess:         billing.GrantsAccess(rec.Status),
	}
}

func printRecord(cmd *cobra.Command, rec *billing.Record) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Account:       %s\n", rec.AccountID)
	fmt.Fprintf(out, "Customer:      %s\n", orDash(rec.CustomerID))
	fmt.Fprintf(out, "Subscription:  %s\n", orDash(rec.SubscriptionID))
	fmt.Fprintf(out, "Status:        %s (access: %t)\n", orDash(rec.Status), billing.GrantsAccess(rec.Status))
	fmt.Fprintf(out, "Plan:          %s\n", orDash(rec.PlanSlug))
	fmt.Fprintf(out, "Period:        %s -> %s\n", formatPtr(rec.PeriodStart), formatPtr(rec.PeriodEnd))
	if rec.CancelAtPeriodEnd {
		fmt.Fprintln(out, "Cancels at period end")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
