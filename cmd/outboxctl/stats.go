package main

import (
	"github.com/spf13/cobra"
)

type typeCount struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

func newStatsCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the number of stored events per type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := rootOpts.loadConfig()
			if err != nil {
				return err
			}

			sess, err := rootOpts.open(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = sess.Close(ctx) }()

			counts, err := sess.app.Store.CountByType(ctx)
			if err != nil {
				return err
			}

			out := make([]typeCount, 0, len(counts))
			for _, c := range counts {
				out = append(out, typeCount{EventType: c.EventType, Count: c.Count})
			}

			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, out, func(w *tabWriter) {
				w.Row("EVENT TYPE", "COUNT")
				for _, c := range out {
					w.Row(c.EventType, c.Count)
				}
			})
		},
	}
}
