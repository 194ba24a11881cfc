package match

import (
	"context"
	"errors"

	"usimatch/pkg/usi"
)

// EngineFactory creates an engine handle for a configured engine id. The
// handle is not initialized yet.
type EngineFactory func(ctx context.Context, engineID string) (usi.Handle, error)

// slot is the engine owned by one side. gen changes every time the slot is
// recreated so that messages from a previous process can be recognised.
type slot struct {
	side         Side
	engineID     string
	client       usi.Handle
	unsubscribe  func()
	gen          uint64
	ready        bool
	initializing bool
}

// searchState tracks the one search a side may have outstanding.
// requestedAt is the ply the last turn was requested for, -1 when none.
type searchState struct {
	handle      usi.CancellableSearch
	pending     bool
	requestedAt int
}

// ensureReady returns the side's slot, creating it if the configured engine
// changed, and starts the handshake if the slot is not ready. The handshake
// completes asynchronously through an initDone message.
func (c *Controller) ensureReady(ctx context.Context, side Side) (*slot, error) {
	setting := c.cfg.Sides[side]
	s := c.slots[side]
	if s != nil && s.engineID != setting.EngineID {
		c.disposeSlot(ctx, side)
		s = nil
	}
	if s == nil {
		client, err := c.factory(ctx, setting.EngineID)
		if err != nil {
			return nil, &EngineError{Side: side, EngineID: setting.EngineID, Op: "create", Err: err}
		}
		if client == nil {
			return nil, &EngineError{Side: side, EngineID: setting.EngineID, Op: "create", Err: errors.New("factory returned no engine")}
		}
		c.nextGen++
		s = &slot{side: side, engineID: setting.EngineID, client: client, gen: c.nextGen}
		s.unsubscribe = client.Subscribe(c.forward(side, s.gen, s.engineID))
		c.slots[side] = s
		c.log.Info().Str("side", side.String()).Str("engine", s.engineID).Uint64("gen", s.gen).Msg("engine slot created")
	}
	if !s.ready && !s.initializing {
		s.initializing = true
		client, gen := s.client, s.gen
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			err := client.Init(ctx)
			c.post(message{kind: msgInitDone, side: side, gen: gen, err: err})
		}()
	}
	return s, nil
}

// forward turns engine events into loop messages. It runs on the engine's
// dispatch goroutine.
func (c *Controller) forward(side Side, gen uint64, engineID string) func(usi.Event) {
	return func(ev usi.Event) {
		c.post(message{kind: msgEngineEvent, side: side, gen: gen, engineID: engineID, event: ev})
	}
}

// disposeSlot cancels the side's search, detaches from the engine and
// releases the process. Calling it on an empty slot does nothing.
func (c *Controller) disposeSlot(ctx context.Context, side Side) {
	c.cancelSearch(ctx, side)
	s := c.slots[side]
	if s == nil {
		return
	}
	c.slots[side] = nil
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if err := s.client.Stop(ctx); err != nil {
		c.log.Debug().Err(err).Str("side", side.String()).Msg("stop during dispose")
	}
	if d, ok := s.client.(usi.Disposer); ok {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			if err := d.Dispose(); err != nil {
				c.log.Warn().Err(err).Str("side", side.String()).Str("engine", s.engineID).Msg("engine dispose failed")
			}
		}()
	}
	c.log.Info().Str("side", side.String()).Str("engine", s.engineID).Uint64("gen", s.gen).Msg("engine slot disposed")
}

// cancelSearch drops the side's outstanding search and any fence it holds,
// and forgets which ply was requested so the driver may ask again.
// Cancellation errors are ignored.
func (c *Controller) cancelSearch(ctx context.Context, side Side) {
	st := &c.searches[side]
	if st.handle != nil {
		if err := st.handle.Cancel(ctx); err != nil {
			c.log.Debug().Err(err).Str("side", side.String()).Msg("cancel search")
		}
		st.handle = nil
	}
	st.pending = false
	st.requestedAt = -1
	if c.fence != nil && c.fence.Side == side {
		c.fence = nil
	}
	if c.sideStatus[side] == SideThinking {
		c.sideStatus[side] = SideIdle
	}
}
