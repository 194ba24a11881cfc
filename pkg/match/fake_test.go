package match

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"usimatch/pkg/usi"
)

// fakeEngine is an in-process usi.Handle. Tests drive its output with
// bestmove and fail.
type fakeEngine struct {
	id string

	mu        sync.Mutex
	subs      map[int]func(usi.Event)
	nextSub   int
	initErr   error
	initGate  chan struct{}
	inits     int
	positions []Position
	limits    []usi.Limits
	nextID    uint64
	canceled  []uint64
	stops     int
	disposed  int
}

func newFakeEngine(id string) *fakeEngine {
	return &fakeEngine{id: id, subs: make(map[int]func(usi.Event))}
}

func (f *fakeEngine) Init(ctx context.Context) error {
	f.mu.Lock()
	f.inits++
	gate, err := f.initGate, f.initErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeEngine) LoadPosition(_ context.Context, start string, moves []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, Position{Start: start, Moves: append([]string(nil), moves...)})
	return nil
}

func (f *fakeEngine) SetOption(context.Context, string, string) error {
	return nil
}

func (f *fakeEngine) Search(_ context.Context, limits usi.Limits) (usi.CancellableSearch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.limits = append(f.limits, limits)
	return &fakeSearch{id: f.nextID, engine: f}, nil
}

func (f *fakeEngine) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeEngine) Subscribe(fn func(usi.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeEngine) Dispose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed++
	return nil
}

func (f *fakeEngine) emit(ev usi.Event) {
	f.mu.Lock()
	ids := make([]int, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(usi.Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, f.subs[id])
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeEngine) bestmove(searchID uint64, move string) {
	f.emit(usi.Event{Type: usi.EventBestMove, Move: move, SearchID: searchID})
}

func (f *fakeEngine) fail(msg string, fatal bool) {
	f.emit(usi.Event{Type: usi.EventError, Message: msg, Fatal: fatal})
}

func (f *fakeEngine) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.limits)
}

func (f *fakeEngine) lastSearchID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

func (f *fakeEngine) lastLimits() usi.Limits {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limits[len(f.limits)-1]
}

func (f *fakeEngine) initCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

func (f *fakeEngine) disposeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

func (f *fakeEngine) canceledIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.canceled...)
}

func (f *fakeEngine) setInitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initErr = err
}

type fakeSearch struct {
	id     uint64
	engine *fakeEngine
}

func (s *fakeSearch) ID() uint64 {
	return s.id
}

func (s *fakeSearch) Cancel(context.Context) error {
	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	s.engine.canceled = append(s.engine.canceled, s.id)
	return nil
}

// fakeFactory hands out fakeEngines and remembers every one it made.
type fakeFactory struct {
	mu      sync.Mutex
	created map[string][]*fakeEngine
	prepare func(*fakeEngine)
	err     error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[string][]*fakeEngine)}
}

func (ff *fakeFactory) factory(_ context.Context, engineID string) (usi.Handle, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.err != nil {
		return nil, ff.err
	}
	e := newFakeEngine(engineID)
	if ff.prepare != nil {
		ff.prepare(e)
	}
	ff.created[engineID] = append(ff.created[engineID], e)
	return e, nil
}

func (ff *fakeFactory) engines(engineID string) []*fakeEngine {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*fakeEngine(nil), ff.created[engineID]...)
}

// waitEngine waits for the n-th engine (1-based) made for engineID.
func (ff *fakeFactory) waitEngine(t *testing.T, engineID string, n int) *fakeEngine {
	t.Helper()
	require.Eventually(t, func() bool { return len(ff.engines(engineID)) >= n }, 2*time.Second, 5*time.Millisecond)
	return ff.engines(engineID)[n-1]
}

// manualTime is a settable clock shared by the controller and the test.
type manualTime struct {
	mu  sync.Mutex
	now time.Time
}

func newManualTime() *manualTime {
	return &manualTime{now: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)}
}

func (m *manualTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualTime) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// harness runs a Controller with fake engines, a manual clock and manual
// ticks.
type harness struct {
	t       *testing.T
	ctrl    *Controller
	engines *fakeFactory
	clock   *manualTime
	ticks   chan time.Time

	mu    sync.Mutex
	ends  []Result
	moves []LastMove
	errs  []ErrorEntry
	infos []usi.Info
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{t: t, engines: newFakeFactory(), clock: newManualTime(), ticks: make(chan time.Time)}
	hooks := Hooks{
		Info: func(_ Side, info usi.Info) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.infos = append(h.infos, info)
		},
		Move: func(m LastMove) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.moves = append(h.moves, m)
		},
		End: func(r Result) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ends = append(h.ends, r)
		},
		Error: func(e ErrorEntry) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, e)
		},
	}
	opts = append([]Option{WithNow(h.clock.Now), WithTicks(h.ticks), WithHooks(hooks)}, opts...)
	ctrl, err := NewController(h.engines.factory, cfg, opts...)
	require.NoError(t, err)
	h.ctrl = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.True(t, errors.Is(err, context.Canceled))
		case <-time.After(5 * time.Second):
			t.Error("controller did not stop")
		}
	})
	return h
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.ctrl.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

// tick advances the manual clock by d and delivers one tick.
func (h *harness) tick(d time.Duration) {
	now := h.clock.Advance(d)
	h.ticks <- now
}

// waitFence waits until the live fence belongs to side.
func (h *harness) waitFence(side Side) *Fence {
	h.t.Helper()
	var fence *Fence
	require.Eventually(h.t, func() bool {
		snap := h.snapshot()
		if snap.Fence != nil && snap.Fence.Side == side {
			fence = snap.Fence
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return fence
}

func (h *harness) endCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ends)
}

func (h *harness) errorEntries() []ErrorEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ErrorEntry(nil), h.errs...)
}

func engineVsHuman() Config {
	return Config{
		Sides: [2]SideSetting{
			Sente: {Role: RoleEngine, EngineID: "alpha"},
			Gote:  {Role: RoleHuman},
		},
		Clocks: [2]TimeControl{
			Sente: {MainMs: 60_000, ByoyomiMs: 10_000},
			Gote:  {MainMs: 60_000, ByoyomiMs: 10_000},
		},
	}
}
