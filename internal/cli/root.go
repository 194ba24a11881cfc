// Package cli holds the usimatch commands.
package cli

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"usimatch/internal/logx"
	"usimatch/pkg/config"
	"usimatch/pkg/match"
	"usimatch/pkg/usi"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the usimatch root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "usimatch",
		Short:         "Run USI shogi engines in matches and batch analysis",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default: search upwards for config.json, config.yaml or config.yml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level, overrides log_level in the config")

	cmd.AddCommand(NewPlayCommand(opts))
	cmd.AddCommand(NewAnalyzeCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))

	return cmd
}

// load reads the config and builds a logger on the command's stderr.
func (o *RootOptions) load(cmd *cobra.Command) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Resolve(o.ConfigPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	level := cfg.LogLevel
	if o.LogLevel != "" {
		level = o.LogLevel
	}
	return cfg, logx.New(cmd.ErrOrStderr(), level), nil
}

// engineFactory launches configured engines by id.
func engineFactory(cfg config.Config, log zerolog.Logger) match.EngineFactory {
	return func(ctx context.Context, engineID string) (usi.Handle, error) {
		lc, err := cfg.Launch(engineID, log)
		if err != nil {
			return nil, err
		}
		client, err := usi.Launch(ctx, lc)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}
