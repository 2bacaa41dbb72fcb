// Package cli implements tallyctl, the operator tool for tally.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/RickSF09/eva-sub001/internal/app"
	"github.com/RickSF09/eva-sub001/pkg/config"
	"github.com/RickSF09/eva-sub001/pkg/logging"
	"github.com/RickSF09/eva-sub001/pkg/monitoring"
	"github.com/RickSF09/eva-sub001/pkg/version"
)

type options struct {
	output  string
	verbose bool
}

// NewRootCmd returns the root command for tallyctl
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "tallyctl",
		Short:         "Operator tool for tally billing reconciliation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: json|text")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(newWindowCmd(opts))
	rootCmd.AddCommand(newResyncCmd(opts))
	rootCmd.AddCommand(newUsageCmd(opts))
	rootCmd.AddCommand(newPlansCmd(opts))
	rootCmd.AddCommand(newWatchCmd(opts))
	rootCmd.AddCommand(newVersionCmd(opts))

	return rootCmd
}

func (o *options) logger() logging.Logger {
	logger := logging.NewLoggerWithService("tallyctl")
	if o.verbose {
		logger.SetLevel(logging.DebugLevel)
	} else {
		logger.SetLevel(logging.WarnLevel)
	}
	return logger
}

func (o *options) validate() error {
	if o.output != "text" && o.output != "json" {
		return fmt.Errorf("unknown output format %q (want json or text)", o.output)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// openCore loads the environment and connects the billing core. The caller
// must Close the result.
func (o *options) openCore(ctx context.Context) (*app.Core, error) {
	logger := o.logger()
	config.LoadEnv(logger)

	s, err := app.LoadSettings()
	if err != nil {
		return nil, err
	}
	if err := s.Validate("DATABASE_URL", "STRIPE_SECRET_KEY"); err != nil {
		return nil, err
	}

	// Metrics are collected but not served from the CLI.
	mc := monitoring.NewMetricsCollector("tallyctl", version.Version, version.GitCommit)
	return app.Open(ctx, s, mc, logger)
}

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			if opts.output == "json" {
				return writeJSON(cmd.OutOrStdout(), version.GetInfo())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tallyctl %s\n", version.Version)
			fmt.Fprintf(cmd.OutOrStdout(), " - git: %s\n", version.GetShortCommit())
			fmt.Fprintf(cmd.OutOrStdout(), " - built: %s\n", version.BuildDate)
			return nil
		},
	}
}
