package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/velmie/outbox/v2/bootstrap"
)

var (
	errConfigRequired = errors.New("outboxctl: --config is required")
	errInvalidFormat  = errors.New("outboxctl: invalid format")
)

// validFormats are the accepted --format values.
var validFormats = []string{"text", "json"}

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "outboxctl",
		Short:         "Run and maintain an outbox relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("%w %q: must be one of %v", errInvalidFormat, opts.Format, validFormats)
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "deployment config file (YAML)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output and log format (text|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newSchemaCommand())
	cmd.AddCommand(newBenchCommand(opts))

	return cmd
}

// loadConfig reads the deployment config named by --config.
func (o *rootOptions) loadConfig() (bootstrap.Config, error) {
	if o.ConfigPath == "" {
		return bootstrap.Config{}, errConfigRequired
	}

	return bootstrap.LoadConfig(o.ConfigPath)
}

// session is an opened deployment plus the logger that serves it.
type session struct {
	app    *bootstrap.App
	zap    *zap.Logger
	logger zapLogger
}

func (s *session) Close(ctx context.Context) error {
	err := s.app.Close(context.WithoutCancel(ctx))
	_ = s.zap.Sync()

	return err
}

// open builds the deployment from cfg and verifies the database is reachable.
func (o *rootOptions) open(ctx context.Context, cfg bootstrap.Config) (*session, error) {
	base, err := newZapLogger(o.Verbose, o.Format)
	if err != nil {
		return nil, err
	}
	logger := zapLogger{sugar: base.Sugar()}

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		_ = base.Sync()

		return nil, err
	}
	if err := app.Ping(ctx); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		_ = base.Sync()

		return nil, err
	}

	return &session{app: app, zap: base, logger: logger}, nil
}
