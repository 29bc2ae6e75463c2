package main

import (
	"time"

	"github.com/spf13/cobra"
)

type cleanupOptions struct {
	retention         time.Duration
	interval          time.Duration
	limit             int
	exhaustedAttempts int
	lockName          string
	once              bool
}

func newCleanupCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &cleanupOptions{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove DISABLED events older than the retention",
		Long: `Remove DISABLED events whose run time is older than the retention.

Flags override the cleanup section of the deployment config. On MySQL only one
instance deletes at a time (advisory lock) and --exhausted-attempts also removes
ENABLED events that can no longer be selected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.retention, "retention", 0, "delete events older than this (overrides config)")
	cmd.Flags().DurationVar(&opts.interval, "check-every", 0, "interval between cleanup passes (overrides config)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "max events deleted per pass (0 uses the default)")
	cmd.Flags().IntVar(&opts.exhaustedAttempts, "exhausted-attempts", 0, "also delete ENABLED events with at least this many attempts (MySQL)")
	cmd.Flags().StringVar(&opts.lockName, "lock-name", "", "advisory lock name (MySQL)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "run a single pass and exit")

	return cmd
}

func runCleanup(cmd *cobra.Command, rootOpts *rootOptions, opts *cleanupOptions) error {
	ctx := cmd.Context()
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("retention") {
		cfg.Cleanup.Retention = opts.retention
	}
	if cmd.Flags().Changed("check-every") {
		cfg.Cleanup.Interval = opts.interval
	}
	if cmd.Flags().Changed("limit") {
		cfg.Cleanup.Limit = opts.limit
	}
	if cmd.Flags().Changed("exhausted-attempts") {
		cfg.Cleanup.ExhaustedAttempts = opts.exhaustedAttempts
	}
	if opts.lockName != "" {
		cfg.Cleanup.LockName = opts.lockName
	}

	sess, err := rootOpts.open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close(ctx) }()

	if !opts.once {
		return sess.app.RunCleanup(ctx)
	}

	report, err := sess.app.CleanupOnce(ctx)
	if err != nil {
		return err
	}

	return writeOutput(cmd.OutOrStdout(), rootOpts.Format, report, func(w *tabWriter) {
		w.Row("disabled", report.Disabled)
		w.Row("exhausted", report.Exhausted)
	})
}
