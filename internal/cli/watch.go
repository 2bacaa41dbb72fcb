package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/RickSF09/eva-sub001/internal/app"
	"github.com/RickSF09/eva-sub001/internal/events"
	"github.com/RickSF09/eva-sub001/pkg/config"
	"github.com/RickSF09/eva-sub001/pkg/redis"
)

func newWatchCmd(opts *options) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow subscription change events on Redis",
		Long:  "Prints each subscription change event published on " + app.EventsChannel + ". Requires REDIS_ADDRS.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			logger := opts.logger()
			config.LoadEnv(logger)

			rcfg, enabled := redis.ConfigFromEnv()
			if !enabled {
				return errors.New("REDIS_ADDRS is not set")
			}
			client, err := redis.NewUniversalClient(cmd.Context(), rcfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var (
				seen     int
				printErr error
			)
			pubsub := redis.NewTypedPubSub[events.SubscriptionChanged](client, logger)
			err = pubsub.Subscribe(ctx, app.EventsChannel, func(ev events.SubscriptionChanged) {
				if opts.output == "json" {
					printErr = writeJSON(cmd.OutOrStdout(), ev)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %-8s %-10s %s\n",
						ev.OccurredAt.Format(time.RFC3339), ev.AccountID, ev.Trigger, orDash(ev.Status), orDash(ev.Plan))
				}
				seen++
				if printErr != nil || (count > 0 && seen >= count) {
					cancel()
				}
			})
			if err != nil {
				return err
			}
			return printErr
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 follows until interrupted)")
	return cmd
}
