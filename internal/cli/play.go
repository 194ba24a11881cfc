package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"usimatch/pkg/config"
	"usimatch/pkg/match"
	"usimatch/pkg/usi"
)

const playHelp = `Commands, one per line:
  start              start the match
  pause | resume     stop or continue the clock and engines
  move <usi>         play a move for the human side to move
  resign [side]      resign for side, default the side to move
  abort              end the match without a result
  retry <side>       ask side's engine again after an error
  new [position]     reset to startpos or the given position
  status             print the match state
  quit               leave`

// NewPlayCommand creates the play command.
func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	var position string
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Play a match between the configured sides",
		Long:  "Play a match between the sides configured as sente and gote.\n\n" + playHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}
			return runPlay(cmd.Context(), cfg, log, position, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&position, "position", "startpos", "start position: startpos, sfen <sfen> or a bare SFEN")
	return cmd
}

// printer serializes output from hooks and from the command reader.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func runPlay(ctx context.Context, cfg config.Config, log zerolog.Logger, position string, in io.Reader, out io.Writer) error {
	mc, err := cfg.MatchConfig()
	if err != nil {
		return err
	}
	p := &printer{w: out}
	hooks := match.Hooks{
		Info: func(side match.Side, info usi.Info) {
			log.Debug().Str("side", side.String()).Int("depth", info.Depth).Str("score", info.Score.String()).Strs("pv", info.PV).Msg("info")
		},
		Move: func(m match.LastMove) {
			p.printf("%d. %s %s", m.Ply, m.Side, m.Token)
		},
		End: func(r match.Result) {
			if r.Winner == match.NoSide {
				p.printf("match ended: %s", r.Reason)
				return
			}
			p.printf("match ended: %s, %s wins", r.Reason, r.Winner)
		},
		Error: func(e match.ErrorEntry) {
			p.printf("error: %s %s: %s", e.Side, e.Kind, e.Message)
		},
	}
	ctrl, err := match.NewController(engineFactory(cfg, log), mc, match.WithLogger(log), match.WithHooks(hooks))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ctrl.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if position != "" && position != "startpos" {
			if err := ctrl.NewMatch(gctx, match.Position{Start: position}); err != nil {
				return err
			}
		}
		return readCommands(gctx, ctrl, in, p)
	})
	return g.Wait()
}

func readCommands(ctx context.Context, ctrl *match.Controller, in io.Reader, p *printer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctx, ctrl, line, p)
			if errors.Is(err, match.ErrClosed) {
				return err
			}
			if err != nil {
				p.printf("error: %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func dispatch(ctx context.Context, ctrl *match.Controller, line string, p *printer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	args := fields[1:]
	switch fields[0] {
	case "start":
		return false, ctrl.Start(ctx)
	case "pause":
		return false, ctrl.Pause(ctx)
	case "resume":
		return false, ctrl.Resume(ctx)
	case "move":
		if len(args) != 1 {
			return false, errors.New("usage: move <usi>")
		}
		return false, ctrl.PlayMove(ctx, args[0])
	case "resign":
		side, err := sideArg(ctx, ctrl, args)
		if err != nil {
			return false, err
		}
		return false, ctrl.Resign(ctx, side)
	case "abort":
		return false, ctrl.Abort(ctx)
	case "retry":
		if len(args) != 1 {
			return false, errors.New("usage: retry <side>")
		}
		side, err := match.ParseSide(args[0])
		if err != nil {
			return false, err
		}
		return false, ctrl.RetryTurn(ctx, side)
	case "new":
		start := "startpos"
		if len(args) > 0 {
			start = strings.Join(args, " ")
		}
		return false, ctrl.NewMatch(ctx, match.Position{Start: start})
	case "status":
		snap, err := ctrl.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		printStatus(p, snap)
		return false, nil
	case "help":
		p.printf("%s", playHelp)
		return false, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

// sideArg parses an optional side, defaulting to the side to move.
func sideArg(ctx context.Context, ctrl *match.Controller, args []string) (match.Side, error) {
	if len(args) > 0 {
		return match.ParseSide(args[0])
	}
	snap, err := ctrl.Snapshot(ctx)
	if err != nil {
		return match.NoSide, err
	}
	return snap.Turn, nil
}

func printStatus(p *printer, snap match.Snapshot) {
	p.printf("match %s %s ply=%d turn=%s", snap.MatchID, snap.Status, snap.Ply, snap.Turn)
	for _, side := range match.Sides {
		view := snap.Sides[side]
		p.printf("  %s %s %s main=%dms byoyomi=%dms", side, view.Setting.Role, view.Status, view.Clock.MainMs, view.Clock.ByoyomiMs)
	}
	if snap.Result != nil {
		p.printf("  result %s winner=%s", snap.Result.Reason, snap.Result.Winner)
	}
}
