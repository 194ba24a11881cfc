package match

import (
	"context"
	"fmt"
)

// SideView is the per-side part of a Snapshot.
type SideView struct {
	Setting     SideSetting
	Status      SideStatus
	Pending     bool
	Ready       bool
	RequestedAt int
	Clock       ClockState
}

// Snapshot is a copy of the match state.
type Snapshot struct {
	MatchID   string
	Status    Status
	Position  Position
	Ply       int
	Turn      Side
	Sides     [2]SideView
	Ticking   Side
	Fence     *Fence
	Result    *Result
	LastMove  *LastMove
	Selection Selection
	Errors    []ErrorEntry
}

// Snapshot returns the current state.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.exec(ctx, func(context.Context) error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		MatchID:   c.matchID,
		Status:    c.status,
		Position:  c.pos.clone(),
		Ply:       len(c.pos.Moves),
		Turn:      c.turn,
		Ticking:   c.clock.Ticking(),
		Selection: c.selection,
		Errors:    c.errs.snapshot(),
	}
	for _, side := range Sides {
		view := SideView{
			Setting:     c.cfg.Sides[side],
			Status:      c.sideStatus[side],
			Pending:     c.searches[side].pending,
			RequestedAt: c.searches[side].requestedAt,
			Clock:       c.clock.Remaining(side),
		}
		if s := c.slots[side]; s != nil {
			view.Ready = s.ready
		}
		snap.Sides[side] = view
	}
	if c.fence != nil {
		f := *c.fence
		snap.Fence = &f
	}
	if c.result != nil {
		r := *c.result
		snap.Result = &r
	}
	if c.lastMove != nil {
		m := *c.lastMove
		snap.LastMove = &m
	}
	return snap
}

// NewMatch disposes every engine and starts over, idle, at pos.
func (c *Controller) NewMatch(ctx context.Context, pos Position) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if _, err := c.applier.SideToMove(pos); err != nil {
			return fmt.Errorf("position: %w", err)
		}
		for _, side := range Sides {
			c.disposeSlot(ctx, side)
		}
		if err := c.reset(pos); err != nil {
			return err
		}
		c.log.Info().Str("start", pos.Start).Int("ply", len(pos.Moves)).Msg("new match")
		return nil
	})
}

// EditPosition replaces the position of an idle or paused match. Any
// outstanding search is canceled first.
func (c *Controller) EditPosition(ctx context.Context, pos Position) error {
	return c.exec(ctx, func(ctx context.Context) error {
		switch c.status {
		case StatusRunning:
			return ErrMatchRunning
		case StatusEnded:
			return ErrMatchEnded
		}
		turn, err := c.applier.SideToMove(pos)
		if err != nil {
			return fmt.Errorf("position: %w", err)
		}
		for _, side := range Sides {
			c.cancelSearch(ctx, side)
		}
		c.pos = pos.clone()
		c.turn = turn
		c.lastMove = nil
		c.selection = Selection{}
		if c.invalidator != nil {
			c.invalidator.Invalidate()
		}
		return nil
	})
}

// Start runs an idle match. If the side to move is an engine that cannot be
// created, the error is returned; handshake failures arrive later through
// the error log and Hooks.Error.
func (c *Controller) Start(ctx context.Context) error {
	return c.exec(ctx, func(ctx context.Context) error {
		switch c.status {
		case StatusRunning:
			return ErrMatchRunning
		case StatusEnded:
			return ErrMatchEnded
		case StatusPaused:
			return fmt.Errorf("%w: match is paused, resume it", ErrInvalidState)
		}
		c.status = StatusRunning
		c.clock.Start(c.turn, c.now())
		c.log.Info().Str("turn", c.turn.String()).Msg("match started")
		return c.kick(ctx)
	})
}

// Pause stops the clock and cancels every outstanding search.
func (c *Controller) Pause(ctx context.Context) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if c.status != StatusRunning {
			return ErrNotRunning
		}
		for _, side := range Sides {
			c.cancelSearch(ctx, side)
		}
		if loser, expired := c.clock.Pause(c.now()); expired {
			c.endMatch(ctx, ReasonTimeExpired, loser.Opponent())
			return nil
		}
		c.status = StatusPaused
		c.log.Info().Msg("match paused")
		return nil
	})
}

// Resume continues a paused match. The side to move keeps the time it had.
func (c *Controller) Resume(ctx context.Context) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if c.status != StatusPaused {
			return fmt.Errorf("%w: match is %s", ErrInvalidState, c.status)
		}
		c.status = StatusRunning
		c.clock.Resume(c.turn, c.now())
		c.log.Info().Msg("match resumed")
		return c.kick(ctx)
	})
}

// kick runs the turn driver now so that creation errors reach the caller.
func (c *Controller) kick(ctx context.Context) error {
	side := c.turn
	if !side.valid() || c.cfg.Sides[side].Role != RoleEngine || c.searches[side].requestedAt == len(c.pos.Moves) {
		return nil
	}
	return c.startTurn(ctx, side)
}

// SetSide changes who plays side. An engine slot that is no longer wanted
// is disposed at once; a different engine id takes effect on the side's
// next turn.
func (c *Controller) SetSide(ctx context.Context, side Side, setting SideSetting) error {
	if !side.valid() {
		return fmt.Errorf("%w: side %d", ErrInvalidState, side)
	}
	if err := setting.validate(); err != nil {
		return err
	}
	return c.exec(ctx, func(ctx context.Context) error {
		c.cfg.Sides[side] = setting
		if setting.Role != RoleEngine {
			c.disposeSlot(ctx, side)
			c.sideStatus[side] = SideIdle
		}
		return nil
	})
}

// Select records the board UI selection.
func (c *Controller) Select(ctx context.Context, sel Selection) error {
	return c.exec(ctx, func(context.Context) error {
		c.selection = sel
		return nil
	})
}

// Resign ends the match with side's opponent as winner.
func (c *Controller) Resign(ctx context.Context, side Side) error {
	if !side.valid() {
		return fmt.Errorf("%w: side %d", ErrInvalidState, side)
	}
	return c.exec(ctx, func(ctx context.Context) error {
		if err := c.requireLive(); err != nil {
			return err
		}
		c.endMatch(ctx, ReasonResign, side.Opponent())
		return nil
	})
}

// Abort ends the match without a winner.
func (c *Controller) Abort(ctx context.Context) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if err := c.requireLive(); err != nil {
			return err
		}
		c.endMatch(ctx, ReasonAbort, NoSide)
		return nil
	})
}

func (c *Controller) requireLive() error {
	switch c.status {
	case StatusEnded:
		return ErrMatchEnded
	case StatusIdle:
		return ErrNotRunning
	}
	return nil
}

// RetryTurn lets the driver ask side's engine again for the current ply,
// after an initialization failure, an engine error or a rejected move.
func (c *Controller) RetryTurn(ctx context.Context, side Side) error {
	if !side.valid() {
		return fmt.Errorf("%w: side %d", ErrInvalidState, side)
	}
	return c.exec(ctx, func(ctx context.Context) error {
		if c.status != StatusRunning {
			return ErrNotRunning
		}
		if c.searches[side].pending {
			return nil
		}
		c.cancelSearch(ctx, side)
		c.sideStatus[side] = SideIdle
		if c.turn != side {
			return nil
		}
		return c.kick(ctx)
	})
}

// PlayMove plays token for the human side to move.
func (c *Controller) PlayMove(ctx context.Context, token string) error {
	return c.exec(ctx, func(ctx context.Context) error {
		if c.status != StatusRunning {
			if c.status == StatusEnded {
				return ErrMatchEnded
			}
			return ErrNotRunning
		}
		if c.cfg.Sides[c.turn].Role != RoleHuman {
			return ErrNotHumanTurn
		}
		return c.applyMove(ctx, c.turn, "", token)
	})
}
