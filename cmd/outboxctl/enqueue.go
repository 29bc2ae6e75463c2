package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var (
	errTypeRequired   = errors.New("outboxctl: --type is required")
	errInvalidPayload = errors.New("outboxctl: payload must be valid JSON")
)

type enqueueResult struct {
	Stored  bool   `json:"stored"`
	ID      string `json:"id,omitempty"`
	RunTime string `json:"run_time,omitempty"`
}

func newEnqueueCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		eventType string
		lockKey   string
		payload   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Store one event",
		Long: `Store one event of the given type. The payload is a JSON document given by
--payload, or read from stdin when --payload is "-".

Nothing is stored when saving is disabled for the type.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventType == "" {
				return errTypeRequired
			}
			body, err := readPayload(cmd.InOrStdin(), payload)
			if err != nil {
				return err
			}

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

			event, stored, err := sess.app.Enqueuer.Enqueue(ctx, eventType, body, lockKey)
			if err != nil {
				return err
			}

			res := enqueueResult{Stored: stored}
			if stored {
				res.ID = event.ID.String()
				res.RunTime = event.RunTime.UTC().Format("2006-01-02T15:04:05.000Z07:00")
			}

			return writeOutput(cmd.OutOrStdout(), rootOpts.Format, res, func(w *tabWriter) {
				w.Row("stored", res.Stored)
				if res.Stored {
					w.Row("id", res.ID)
					w.Row("run_time", res.RunTime)
				}
			})
		},
	}

	cmd.Flags().StringVarP(&eventType, "type", "t", "", "event type")
	cmd.Flags().StringVarP(&lockKey, "lock-key", "k", "", "business lock key")
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", `JSON payload, or "-" for stdin`)

	return cmd
}

func readPayload(stdin io.Reader, payload string) (json.RawMessage, error) {
	if payload == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("outboxctl: read payload: %w", err)
		}
		payload = string(data)
	}

	payload = strings.TrimSpace(payload)
	if !json.Valid([]byte(payload)) {
		return nil, errInvalidPayload
	}

	return json.RawMessage(payload), nil
}
