package worker

import (
	"context"

	"github.com/spf13/cobra"
)

type buildFunc func(ctx context.Context, r *resources) (runner, error)

func only(builds ...buildFunc) func(ctx context.Context, r *resources) ([]runner, error) {
	return func(ctx context.Context, r *resources) ([]runner, error) {
		out := make([]runner, 0, len(builds))
		for _, b := range builds {
			w, err := b(ctx, r)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	}
}

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Consume outbox intents and submit them to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkers(cmd, only(buildDispatcher))
	},
}

var listenerCmd = &cobra.Command{
	Use:   "listener",
	Short: "Follow ledger events and reconcile the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkers(cmd, only(buildListener))
	},
}

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Republish lost intents and report stuck requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkers(cmd, only(buildReaper))
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run dispatcher, listener and reaper in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkers(cmd, only(buildDispatcher, buildListener, buildReaper))
	},
}
