package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"usimatch/pkg/analysis"
	"usimatch/pkg/config"
	"usimatch/pkg/shogi"
	"usimatch/pkg/usi"
)

type analyzeOptions struct {
	output   string
	workers  int
	budgetMs int64
	depth    int
	resume   bool
}

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <kif file or dir>...",
		Short: "Evaluate every position of KIF games into a parquet file",
		Long: `Evaluate every position of the given KIF games with the analysis engine.

Directories are searched recursively for .kif files. One pool of engine
workers is reused for all games. Results are written to a parquet file
that the report command reads.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			opts.applyConfig(cmd, cfg.Analysis)
			return runAnalyze(cmd.Context(), cfg, log, opts, args, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output parquet file (default: analysis.output)")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "number of engine workers (default: analysis.workers)")
	cmd.Flags().Int64Var(&opts.budgetMs, "time", 0, "milliseconds per position (default: analysis.time_budget_ms)")
	cmd.Flags().IntVar(&opts.depth, "depth", 0, "depth limit per position (default: analysis.depth_limit)")
	cmd.Flags().BoolVar(&opts.resume, "resume", false, "keep the rows of an existing output and skip games already in it")
	return cmd
}

// applyConfig fills every flag the user did not set from the config.
func (o *analyzeOptions) applyConfig(cmd *cobra.Command, a config.Analysis) {
	flags := cmd.Flags()
	if !flags.Changed("output") {
		o.output = a.Output
	}
	if !flags.Changed("workers") {
		o.workers = a.Workers
	}
	if !flags.Changed("time") {
		o.budgetMs = a.TimeBudgetMs
	}
	if !flags.Changed("depth") {
		o.depth = a.DepthLimit
	}
}

func runAnalyze(ctx context.Context, cfg config.Config, log zerolog.Logger, opts *analyzeOptions, inputs []string, progress io.Writer) error {
	if cfg.Analysis.Engine == "" {
		return errors.New("analysis.engine is required")
	}
	var files []string
	for _, input := range inputs {
		found, err := shogi.CollectKIF(input)
		if err != nil {
			return err
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		return fmt.Errorf("no .kif files found in %s", strings.Join(inputs, ", "))
	}
	if dir := filepath.Dir(opts.output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	lc, err := cfg.Launch(cfg.Analysis.Engine, log)
	if err != nil {
		return err
	}
	factory := func(ctx context.Context, workerID int) (usi.Handle, error) {
		wc := lc
		wc.Logger = lc.Logger.With().Int("worker", workerID).Logger()
		client, err := usi.Launch(ctx, wc)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	target := opts.output
	var existing []analysis.Row
	if opts.resume {
		if _, err := os.Stat(opts.output); err == nil {
			existing, err = analysis.ReadParquet(opts.output, int64(max(opts.workers, 1)))
			if err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			target = opts.output + ".tmp"
		}
	}
	done := make(map[string]struct{})
	for _, row := range existing {
		done[row.GameID] = struct{}{}
	}
	pending := files[:0:0]
	for _, path := range files {
		if _, ok := done[path]; !ok {
			pending = append(pending, path)
		}
	}
	if len(done) > 0 {
		log.Info().Int("games", len(done)).Int("pending", len(pending)).Msg("resuming analysis")
	}

	g, ctx := errgroup.WithContext(ctx)
	rows := make(chan analysis.Row, 64)
	g.Go(func() error {
		return analysis.WriteParquet(target, rows, int64(max(opts.workers, 1)))
	})
	g.Go(func() error {
		defer close(rows)
		for _, row := range existing {
			select {
			case rows <- row:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return analyzeGames(ctx, factory, log, opts, pending, rows, progress)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if target != opts.output {
		if err := os.Rename(target, opts.output); err != nil {
			return err
		}
	}
	log.Info().Int("games", len(pending)).Str("output", opts.output).Msg("analysis written")
	return nil
}

func analyzeGames(ctx context.Context, factory analysis.Factory, log zerolog.Logger, opts *analyzeOptions, files []string, rows chan<- analysis.Row, progress io.Writer) error {
	var current string
	pool := analysis.NewPool(factory, opts.workers,
		analysis.WithLogger(log),
		analysis.OnResult(func(res analysis.Result) {
			select {
			case rows <- analysis.RowFromResult(res):
			case <-ctx.Done():
			}
		}),
		analysis.OnProgress(func(p analysis.Progress) {
			fmt.Fprintf(progress, "\r%s: %d/%d", current, p.Completed, p.Total)
			if p.Completed == p.Total {
				fmt.Fprintln(progress)
			}
		}),
	)
	defer func() {
		if err := pool.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("closing analysis pool")
		}
	}()

	for _, path := range files {
		game, err := shogi.ReadKIF(path)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("skipping game")
			continue
		}
		current = filepath.Base(path)
		jobs := analysis.JobsForGame(game, opts.budgetMs, opts.depth)
		if _, err := pool.Start(ctx, jobs); err != nil {
			return err
		}
		if err := pool.Wait(ctx); err != nil {
			return err
		}
		prog := pool.Progress()
		log.Info().Str("file", path).Int("plies", prog.Total).Int("failed", prog.Failed).Msg("game analyzed")
	}
	return nil
}
