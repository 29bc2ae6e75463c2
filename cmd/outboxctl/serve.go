package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/velmie/outbox/v2"
)

var errTypesRequired = errors.New("outboxctl: at least one --type is required")

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	var types []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Drain event types and log every payload",
		Long: `Run the relay for the given event types until interrupted.

Each event is decoded as raw JSON, logged and acknowledged. Use it to verify a
deployment (locking, settings reload, metrics, cleanup) before wiring real handlers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rootOpts, types)
		},
	}
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "event type to drain (repeatable)")

	return cmd
}

func runServe(ctx context.Context, opts *rootOptions, types []string) error {
	if len(types) == 0 {
		return errTypesRequired
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	sess, err := opts.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close(ctx) }()

	handlers := make([]outbox.Handler, 0, len(types))
	for _, eventType := range types {
		handlers = append(handlers, logHandler(eventType, sess.logger))
	}
	set, err := outbox.NewHandlerSet(handlers...)
	if err != nil {
		return err
	}

	sess.logger.Info("outbox relay started", "types", set.Types(), "lock", cfg.Lock.Type, "driver", cfg.Database.Driver)
	err = sess.app.Run(ctx, set)
	sess.logger.Info("outbox relay stopped")

	return err
}

// logHandler acknowledges every event of eventType after logging its payload.
func logHandler(eventType string, logger outbox.Logger) outbox.Handler {
	return outbox.NewHandler[json.RawMessage](eventType, func(_ context.Context, payload json.RawMessage) (outbox.Result, error) {
		logger.Info("outbox event", "event_type", eventType, "payload", string(payload))

		return outbox.Processed(), nil
	})
}
