package analysis

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"usimatch/pkg/usi"
)

// fakeEngine answers every search on its own goroutine with one scored info
// line and a bestmove, unless its farm is holding searches. A held search
// is answered when it is canceled, the way a real engine answers "stop".
// Like a process bound to a context, it dies when the context it was
// created with is canceled.
type fakeEngine struct {
	id   int
	farm *fakeFarm
	gone chan struct{}

	mu       sync.Mutex
	subs     map[int]func(usi.Event)
	nextSub  int
	moves    []string
	nextID   uint64
	held     map[uint64]bool
	inits    int
	loads    int
	disposed int
	dead     bool
}

// watch kills the engine when ctx ends before Dispose.
func (f *fakeEngine) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		f.mu.Lock()
		f.dead = true
		f.mu.Unlock()
		f.emit(usi.Event{Type: usi.EventError, Message: "engine output closed", Fatal: true})
	case <-f.gone:
	}
}

func (f *fakeEngine) Init(ctx context.Context) error {
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.farm.failInit.Add(-1) >= 0 {
		return errors.New("handshake failed")
	}
	return nil
}

func (f *fakeEngine) LoadPosition(_ context.Context, _ string, moves []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return usi.ErrClosed
	}
	f.loads++
	f.moves = append([]string(nil), moves...)
	return nil
}

func (f *fakeEngine) SetOption(context.Context, string, string) error {
	return nil
}

func (f *fakeEngine) Search(context.Context, usi.Limits) (usi.CancellableSearch, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	ply := len(f.moves)
	hold := f.farm.hold.Load()
	if hold {
		f.held[id] = true
	}
	f.mu.Unlock()
	f.farm.searches.Add(1)
	if !hold {
		go f.answer(id, ply, true)
	}
	return &fakeSearch{id: id, engine: f}, nil
}

func (f *fakeEngine) answer(id uint64, ply int, scored bool) {
	if scored && ply != f.farm.unscoredPly {
		f.emit(usi.Event{
			Type:     usi.EventInfo,
			SearchID: id,
			Info:     usi.Info{Depth: 10, Nodes: 5000, Score: usi.Score{Kind: "cp", Value: f.farm.score}, HasScore: true, PV: []string{"7g7f", "3c3d"}},
		})
	}
	f.emit(usi.Event{Type: usi.EventBestMove, Move: "7g7f", Ponder: "3c3d", SearchID: id})
}

func (f *fakeEngine) Stop(context.Context) error {
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
	if f.disposed == 0 {
		close(f.gone)
	}
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

type fakeSearch struct {
	id     uint64
	engine *fakeEngine
}

func (s *fakeSearch) ID() uint64 {
	return s.id
}

func (s *fakeSearch) Cancel(context.Context) error {
	s.engine.mu.Lock()
	held := s.engine.held[s.id]
	delete(s.engine.held, s.id)
	s.engine.mu.Unlock()
	if held {
		go s.engine.answer(s.id, 0, false)
	}
	return nil
}

// fakeFarm is the Factory used by the tests.
type fakeFarm struct {
	hold        atomic.Bool
	failInit    atomic.Int32
	searches    atomic.Int32
	score       int
	unscoredPly int

	mu      sync.Mutex
	engines []*fakeEngine
}

func newFakeFarm() *fakeFarm {
	return &fakeFarm{score: 150, unscoredPly: -1}
}

func (ff *fakeFarm) factory(ctx context.Context, workerID int) (usi.Handle, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	e := &fakeEngine{id: workerID, farm: ff, gone: make(chan struct{}), subs: make(map[int]func(usi.Event)), held: make(map[uint64]bool)}
	ff.engines = append(ff.engines, e)
	go e.watch(ctx)
	return e, nil
}

// created counts the engines made for each worker.
func (ff *fakeFarm) created() map[int]int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	counts := make(map[int]int)
	for _, e := range ff.engines {
		counts[e.id]++
	}
	return counts
}

func (ff *fakeFarm) all() []*fakeEngine {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return append([]*fakeEngine(nil), ff.engines...)
}

// recorder collects callbacks.
type recorder struct {
	mu       sync.Mutex
	results  []Result
	failures []Job
	progress []Progress
}

func (r *recorder) options() []Option {
	return []Option{
		OnResult(func(res Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.results = append(r.results, res)
		}),
		OnError(func(job Job, _ error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, job)
		}),
		OnProgress(func(p Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		}),
	}
}

func (r *recorder) snapshot() ([]Result, []Job, []Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...), append([]Job(nil), r.failures...), append([]Progress(nil), r.progress...)
}
