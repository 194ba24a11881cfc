// Package match drives a two-sided match in which either side may be played
// by a human or by a USI engine.
//
// A Controller owns one engine slot and one search state per side, a single
// search fence and the match clock. All of that state is touched only by the
// goroutine running Controller.Run. Engine events, handshake completions,
// clock ticks and user commands are all delivered to that goroutine as
// messages and handled one at a time.
//
// An engine's bestmove is applied only if it matches the live fence: the
// side, the engine id and the id of the search that produced it. Anything
// else is a late answer to a canceled or superseded search and is dropped.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"usimatch/pkg/usi"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultMoveTime     = time.Second
	DefaultMaxErrors    = 50
)

// Status is the match lifecycle state.
type Status int

const (
	StatusIdle Status = iota
	StatusRunning
	StatusPaused
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusEnded:
		return "ended"
	default:
		return "idle"
	}
}

// SideStatus is what a side is doing right now.
type SideStatus int

const (
	SideIdle SideStatus = iota
	SideThinking
	SideError
)

func (s SideStatus) String() string {
	switch s {
	case SideThinking:
		return "thinking"
	case SideError:
		return "error"
	default:
		return "idle"
	}
}

// Fence names the one search whose result may change the match.
type Fence struct {
	Side     Side
	EngineID string
	SearchID uint64
}

func (f *Fence) matches(side Side, engineID string, searchID uint64) bool {
	return f != nil && f.Side == side && f.EngineID == engineID && f.SearchID == searchID
}

// Reason says why a match ended.
type Reason string

const (
	ReasonResign      Reason = "resign"
	ReasonWin         Reason = "win_declaration"
	ReasonNoLegalMove Reason = "no_legal_move"
	ReasonTimeExpired Reason = "time_expired"
	ReasonAbort       Reason = "abort"
)

// Result is recorded exactly once per match.
type Result struct {
	MatchID string
	Reason  Reason
	// Winner is NoSide for an aborted match.
	Winner Side
	Ply    int
	At     time.Time
}

// Selection is the board UI's pending selection. It is cleared whenever a
// move is accepted.
type Selection struct {
	Square           string
	PromotionPending bool
}

// Config is the static part of a match.
type Config struct {
	Sides           [2]SideSetting
	Clocks          [2]TimeControl
	DefaultMoveTime time.Duration
	MaxErrors       int
	TickInterval    time.Duration
}

// Hooks are called on the Run goroutine. They must not call back into the
// Controller synchronously.
type Hooks struct {
	Info  func(side Side, info usi.Info)
	Move  func(move LastMove)
	End   func(result Result)
	Error func(entry ErrorEntry)
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(log zerolog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithTicks replaces the internal ticker, for tests.
func WithTicks(ticks <-chan time.Time) Option {
	return func(c *Controller) { c.ticks = ticks }
}

// WithNow replaces the wall clock used for time accounting.
func WithNow(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithMoveApplier(a MoveApplier) Option {
	return func(c *Controller) { c.applier = a }
}

func WithInvalidator(inv Invalidator) Option {
	return func(c *Controller) { c.invalidator = inv }
}

func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

type msgKind int

const (
	msgEngineEvent msgKind = iota
	msgInitDone
)

type message struct {
	kind     msgKind
	side     Side
	gen      uint64
	engineID string
	event    usi.Event
	err      error
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Controller runs one match at a time.
type Controller struct {
	factory     EngineFactory
	applier     MoveApplier
	invalidator Invalidator
	hooks       Hooks
	log         zerolog.Logger
	now         func() time.Time
	ticks       <-chan time.Time

	inbox   chan message
	cmds    chan command
	closed  chan struct{}
	runOnce sync.Once
	workers sync.WaitGroup
	baseLog zerolog.Logger

	// Owned by the Run goroutine.
	cfg        Config
	matchID    string
	status     Status
	ended      bool
	result     *Result
	pos        Position
	turn       Side
	slots      [2]*slot
	nextGen    uint64
	searches   [2]searchState
	sideStatus [2]SideStatus
	fence      *Fence
	clock      *Clock
	errs       errorLog
	selection  Selection
	lastMove   *LastMove
}

// NewController validates cfg and prepares an idle match from the standard
// start position. Call Run to start processing.
func NewController(factory EngineFactory, cfg Config, opts ...Option) (*Controller, error) {
	if factory == nil {
		return nil, errors.New("engine factory is required")
	}
	for _, side := range Sides {
		if err := cfg.Sides[side].validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", side, err)
		}
		if cfg.Clocks[side].MainMs < 0 || cfg.Clocks[side].ByoyomiMs < 0 {
			return nil, fmt.Errorf("%s: negative time control", side)
		}
	}
	if cfg.DefaultMoveTime <= 0 {
		cfg.DefaultMoveTime = DefaultMoveTime
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = DefaultMaxErrors
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	c := &Controller{
		factory: factory,
		applier: ShogiApplier{},
		log:     zerolog.Nop(),
		now:     time.Now,
		inbox:   make(chan message, 256),
		cmds:    make(chan command),
		closed:  make(chan struct{}),
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseLog = c.log
	c.errs.max = cfg.MaxErrors
	c.clock = NewClock(cfg.Clocks[Sente], cfg.Clocks[Gote])
	if err := c.reset(StartPosition()); err != nil {
		return nil, err
	}
	return c, nil
}

// Run processes messages until ctx is canceled. On return every slot has
// been disposed and every helper goroutine has finished.
func (c *Controller) Run(ctx context.Context) error {
	err := errors.New("controller already ran")
	c.runOnce.Do(func() {
		err = c.run(ctx)
	})
	return err
}

func (c *Controller) run(ctx context.Context) error {
	ticks := c.ticks
	if ticks == nil {
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	c.log.Info().Msg("match controller started")
	defer func() {
		teardown := context.WithoutCancel(ctx)
		for _, side := range Sides {
			c.disposeSlot(teardown, side)
		}
		close(c.closed)
		c.workers.Wait()
		c.log.Info().Msg("match controller stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		case <-ticks:
			c.tick(ctx)
		case cmd := <-c.cmds:
			// Commands see every engine message that arrived before them.
			c.drain(ctx)
			cmd.done <- cmd.fn(ctx)
		}
		c.advance(ctx)
	}
}

func (c *Controller) drain(ctx context.Context) {
	for {
		select {
		case msg := <-c.inbox:
			c.handle(ctx, msg)
		default:
			return
		}
	}
}

// post hands a message to the loop. After Run has returned it is dropped.
func (c *Controller) post(msg message) {
	select {
	case c.inbox <- msg:
	case <-c.closed:
	}
}

// exec runs fn on the loop goroutine and waits for its result.
func (c *Controller) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handle(ctx context.Context, msg message) {
	switch msg.kind {
	case msgInitDone:
		c.handleInitDone(ctx, msg)
	case msgEngineEvent:
		c.handleEvent(ctx, msg)
	}
}

func (c *Controller) handleInitDone(ctx context.Context, msg message) {
	s := c.slots[msg.side]
	if s == nil || s.gen != msg.gen {
		c.log.Debug().Str("side", msg.side.String()).Uint64("gen", msg.gen).Msg("dropping handshake result of disposed engine")
		return
	}
	s.initializing = false
	st := &c.searches[msg.side]
	if msg.err != nil {
		s.ready = false
		st.pending = false
		c.sideStatus[msg.side] = SideError
		c.recordError(msg.side, s.engineID, KindInit, &EngineError{Side: msg.side, EngineID: s.engineID, Op: "init", Err: msg.err})
		return
	}
	s.ready = true
	c.log.Info().Str("side", msg.side.String()).Str("engine", s.engineID).Msg("engine ready")
	if !st.pending {
		return
	}
	st.pending = false
	if c.status == StatusRunning && c.turn == msg.side && st.requestedAt == len(c.pos.Moves) {
		c.issueSearch(ctx, msg.side)
	}
}

func (c *Controller) handleEvent(ctx context.Context, msg message) {
	s := c.slots[msg.side]
	if s == nil || s.gen != msg.gen {
		c.log.Debug().Str("side", msg.side.String()).Str("event", msg.event.Type.String()).Msg("dropping event from disposed engine")
		return
	}
	ev := msg.event
	switch ev.Type {
	case usi.EventInfo:
		if c.fence.matches(msg.side, msg.engineID, ev.SearchID) && c.hooks.Info != nil {
			c.hooks.Info(msg.side, ev.Info)
		}
	case usi.EventBestMove:
		c.handleBestMove(ctx, msg.side, msg.engineID, ev)
	case usi.EventError:
		c.handleEngineError(ctx, msg.side, s, ev)
	}
}

func (c *Controller) handleBestMove(ctx context.Context, side Side, engineID string, ev usi.Event) {
	if !c.fence.matches(side, engineID, ev.SearchID) {
		c.log.Debug().
			Str("side", side.String()).
			Str("engine", engineID).
			Uint64("search", ev.SearchID).
			Str("move", ev.Move).
			Msg("discarding stale bestmove")
		return
	}
	st := &c.searches[side]
	st.pending = false
	st.handle = nil
	c.fence = nil
	c.sideStatus[side] = SideIdle

	switch usi.Classify(ev.Move) {
	case usi.KindResign:
		c.endMatch(ctx, ReasonResign, side.Opponent())
	case usi.KindNoMove:
		c.endMatch(ctx, ReasonNoLegalMove, side.Opponent())
	case usi.KindWin:
		c.endMatch(ctx, ReasonWin, side)
	default:
		if err := c.applyMove(ctx, side, engineID, ev.Move); err != nil {
			c.sideStatus[side] = SideError
			c.recordError(side, engineID, KindRejectedMove, err)
		}
	}
}

func (c *Controller) handleEngineError(ctx context.Context, side Side, s *slot, ev usi.Event) {
	if ev.SearchID != 0 && !ev.Fatal && !c.fence.matches(side, s.engineID, ev.SearchID) {
		c.log.Debug().
			Str("side", side.String()).
			Str("engine", s.engineID).
			Uint64("search", ev.SearchID).
			Msg("discarding error of stale search")
		return
	}
	st := &c.searches[side]
	st.handle = nil
	st.pending = false
	if c.fence != nil && c.fence.Side == side {
		c.fence = nil
	}
	c.sideStatus[side] = SideError
	c.recordError(side, s.engineID, KindRuntime, &EngineError{Side: side, EngineID: s.engineID, Op: "search", Err: errors.New(ev.Message)})
	if ev.Fatal {
		// The process is gone; a retry must start a new one.
		requested := st.requestedAt
		c.disposeSlot(ctx, side)
		st.requestedAt = requested
		c.sideStatus[side] = SideError
	}
}

// applyMove validates token for side and, if accepted, advances the match.
func (c *Controller) applyMove(ctx context.Context, side Side, engineID, token string) error {
	applied, err := c.applier.ApplyMove(c.pos, token)
	if err != nil {
		return &EngineError{Side: side, EngineID: engineID, Op: "apply " + token, Err: err}
	}
	c.pos = applied.Position
	c.turn = applied.Next
	last := applied.LastMove
	c.lastMove = &last
	c.selection = Selection{}
	if c.invalidator != nil {
		c.invalidator.Invalidate()
	}
	c.log.Info().Str("side", side.String()).Str("move", token).Int("ply", len(c.pos.Moves)).Msg("move accepted")
	if c.hooks.Move != nil {
		c.hooks.Move(last)
	}
	if loser, expired := c.clock.Switch(c.turn, c.now()); expired {
		c.endMatch(ctx, ReasonTimeExpired, loser.Opponent())
	}
	return nil
}

func (c *Controller) tick(ctx context.Context) {
	if c.status != StatusRunning {
		return
	}
	if loser, expired := c.clock.Sample(c.now()); expired {
		c.log.Info().Str("side", loser.String()).Msg("time expired")
		c.endMatch(ctx, ReasonTimeExpired, loser.Opponent())
	}
}

// endMatch records the result once. Later calls do nothing until NewMatch.
func (c *Controller) endMatch(ctx context.Context, reason Reason, winner Side) {
	if c.ended {
		return
	}
	c.ended = true
	c.status = StatusEnded
	c.clock.Pause(c.now())
	for _, side := range Sides {
		c.cancelSearch(ctx, side)
	}
	c.fence = nil
	c.result = &Result{
		MatchID: c.matchID,
		Reason:  reason,
		Winner:  winner,
		Ply:     len(c.pos.Moves),
		At:      c.now(),
	}
	c.log.Info().Str("reason", string(reason)).Str("winner", winner.String()).Int("ply", c.result.Ply).Msg("match ended")
	if c.hooks.End != nil {
		c.hooks.End(*c.result)
	}
}

// advance starts the engine turn for the side to move if nobody has asked
// for this ply yet.
func (c *Controller) advance(ctx context.Context) {
	if c.status != StatusRunning || c.ended {
		return
	}
	side := c.turn
	if !side.valid() || c.cfg.Sides[side].Role != RoleEngine {
		return
	}
	if c.searches[side].requestedAt == len(c.pos.Moves) {
		return
	}
	_ = c.startTurn(ctx, side)
}

// startTurn asks the side's engine for a move on the current position.
func (c *Controller) startTurn(ctx context.Context, side Side) error {
	st := &c.searches[side]
	if st.pending {
		return nil
	}
	st.requestedAt = len(c.pos.Moves)
	s, err := c.ensureReady(ctx, side)
	if err != nil {
		c.sideStatus[side] = SideError
		c.recordError(side, c.cfg.Sides[side].EngineID, KindInit, err)
		return err
	}
	if !s.ready {
		// issueSearch runs when the handshake reports back.
		st.pending = true
		c.sideStatus[side] = SideThinking
		return nil
	}
	return c.issueSearch(ctx, side)
}

func (c *Controller) issueSearch(ctx context.Context, side Side) error {
	s := c.slots[side]
	st := &c.searches[side]
	if st.handle != nil {
		if c.fence.matches(side, s.engineID, st.handle.ID()) {
			return nil
		}
		requested := st.requestedAt
		c.cancelSearch(ctx, side)
		st.requestedAt = requested
	}
	c.sideStatus[side] = SideThinking
	st.pending = true
	defer func() { st.pending = false }()

	fail := func(op string, err error) error {
		c.sideStatus[side] = SideError
		e := &EngineError{Side: side, EngineID: s.engineID, Op: op, Err: err}
		c.recordError(side, s.engineID, KindRuntime, e)
		return e
	}
	if err := s.client.LoadPosition(ctx, c.pos.Start, c.pos.Moves); err != nil {
		return fail("position", err)
	}
	limits := c.limitsFor(side)
	handle, err := s.client.Search(ctx, limits)
	if err != nil {
		return fail("search", err)
	}
	st.handle = handle
	c.fence = &Fence{Side: side, EngineID: s.engineID, SearchID: handle.ID()}
	c.log.Debug().
		Str("side", side.String()).
		Str("engine", s.engineID).
		Uint64("search", handle.ID()).
		Str("go", limits.Command()).
		Msg("search started")
	return nil
}

func (c *Controller) limitsFor(side Side) usi.Limits {
	setting := c.cfg.Sides[side]
	var l usi.Limits
	if c.clock.Control(side).Untimed() {
		if setting.Depth == 0 && setting.Nodes == 0 {
			l.MoveTimeMs = c.cfg.DefaultMoveTime.Milliseconds()
		}
	} else {
		l.BlackTimeMs = c.clock.Remaining(Sente).MainMs
		l.WhiteTimeMs = c.clock.Remaining(Gote).MainMs
		l.ByoyomiMs = c.clock.Remaining(side).ByoyomiMs
	}
	l.Depth = setting.Depth
	l.Nodes = setting.Nodes
	return l
}

func (c *Controller) recordError(side Side, engineID string, kind ErrorKind, err error) {
	entry := ErrorEntry{At: c.now(), Side: side, EngineID: engineID, Kind: kind, Message: err.Error()}
	c.errs.add(entry)
	c.log.Warn().Err(err).Str("side", side.String()).Str("engine", engineID).Str("kind", string(kind)).Msg("engine error")
	if c.hooks.Error != nil {
		c.hooks.Error(entry)
	}
}

// reset puts the controller into a fresh idle match at pos. Slots must
// already be disposed.
func (c *Controller) reset(pos Position) error {
	turn, err := c.applier.SideToMove(pos)
	if err != nil {
		return fmt.Errorf("position: %w", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	c.matchID = id.String()
	c.log = c.baseLog.With().Str("match", c.matchID).Logger()
	c.status = StatusIdle
	c.ended = false
	c.result = nil
	c.pos = pos.clone()
	c.turn = turn
	c.fence = nil
	c.lastMove = nil
	c.selection = Selection{}
	for _, side := range Sides {
		c.searches[side] = searchState{requestedAt: -1}
		c.sideStatus[side] = SideIdle
	}
	c.clock.Reset(c.cfg.Clocks[Sente], c.cfg.Clocks[Gote])
	if c.invalidator != nil {
		c.invalidator.Invalidate()
	}
	return nil
}
