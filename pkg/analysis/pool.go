// Package analysis runs batches of position analyses on a fixed number of
// reusable engine workers.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"usimatch/pkg/shogi"
	"usimatch/pkg/usi"
)

const (
	// DefaultTimeBudget bounds a search whose job sets neither a time
	// budget nor a depth limit.
	DefaultTimeBudget = time.Second

	defaultStopTimeout = 3 * time.Second
	eventBuffer        = 64
)

var (
	// ErrPoolClosed is returned by Start after Close.
	ErrPoolClosed = errors.New("pool is closed")

	errNoScore = errors.New("no score in engine output")
)

// Factory creates the engine behind worker workerID.
type Factory func(ctx context.Context, workerID int) (usi.Handle, error)

// Result is one finished job.
type Result struct {
	RunID    string
	Job      Job
	Key      string
	WorkerID int
	BestMove string
	Ponder   string
	Info     usi.Info
	// Score is Info.Score seen from sente.
	Score   usi.Score
	Elapsed time.Duration
}

// Progress counts the current run. InProgress lists the plies held by busy
// workers, in ascending order.
type Progress struct {
	Completed  int
	Failed     int
	Total      int
	InProgress []int
}

type Option func(*Pool)

func WithLogger(log zerolog.Logger) Option {
	return func(p *Pool) {
		p.log = log
	}
}

// OnResult is called once per successful job of the live run.
func OnResult(fn func(Result)) Option {
	return func(p *Pool) {
		p.onResult = fn
	}
}

// OnProgress is called after every completion, successful or not.
func OnProgress(fn func(Progress)) Option {
	return func(p *Pool) {
		p.onProgress = fn
	}
}

// OnError is called once per failed job of the live run.
func OnError(fn func(Job, error)) Option {
	return func(p *Pool) {
		p.onError = fn
	}
}

// WithStopTimeout bounds how long a worker waits for a canceled search to
// end before it discards the engine.
func WithStopTimeout(d time.Duration) Option {
	return func(p *Pool) {
		p.stopTimeout = d
	}
}

// Pool hands jobs from a shared queue to its workers. A worker takes the
// next job as soon as it finishes the previous one. Workers and their
// engines are created on first use and kept for later runs.
//
// Callbacks run on worker goroutines, one at a time. Each run has a
// generation; Cancel and Start bump it, and a completion from an older
// generation is dropped without any callback.
//
// Engines are created under a context that lives until Close, never under
// the context of the run that first needed them.
type Pool struct {
	factory     Factory
	engineCtx   context.Context
	stopEngines context.CancelFunc
	log         zerolog.Logger
	onResult    func(Result)
	onProgress  func(Progress)
	onError     func(Job, error)
	stopTimeout time.Duration
	now         func() time.Time
	workers     []*worker

	emitMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	runID     string
	queue     []Job
	total     int
	completed int
	failed    int
	busy      map[int]Job
	cancel    context.CancelFunc
	runDone   *sync.WaitGroup
	closed    bool
}

func NewPool(factory Factory, size int, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	engineCtx, stopEngines := context.WithCancel(context.Background())
	p := &Pool{
		factory:     factory,
		engineCtx:   engineCtx,
		stopEngines: stopEngines,
		log:         zerolog.Nop(),
		stopTimeout: defaultStopTimeout,
		now:         time.Now,
		busy:        make(map[int]Job),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.workers = make([]*worker, size)
	for i := range p.workers {
		p.workers[i] = &worker{id: i, pool: p}
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Start cancels any previous run and begins jobs. It returns the run id.
func (p *Pool) Start(ctx context.Context, jobs []Job) (string, error) {
	p.Cancel()
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("run id: %w", err)
	}
	runID := id.String()
	runCtx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return "", ErrPoolClosed
	}
	p.gen++
	gen := p.gen
	p.runID = runID
	p.queue = append([]Job(nil), jobs...)
	p.total = len(jobs)
	p.completed = 0
	p.failed = 0
	p.busy = make(map[int]Job)
	p.cancel = cancel
	n := min(len(p.workers), len(jobs))
	wg := &sync.WaitGroup{}
	wg.Add(n)
	p.runDone = wg
	p.mu.Unlock()

	p.log.Info().Str("run", runID).Int("jobs", len(jobs)).Int("workers", n).Msg("analysis run started")
	for _, w := range p.workers[:n] {
		go func(w *worker) {
			defer wg.Done()
			w.serve(runCtx, gen)
		}(w)
	}
	go func() {
		wg.Wait()
		cancel()
	}()
	return runID, nil
}

// Cancel stops the live run without waiting. Queued jobs are dropped and
// in-flight searches are stopped. A job that completes after Cancel gets no
// callback, but callbacks of a job that completed just before it may still
// be running when Cancel returns. Cancel is safe to call from a callback;
// use Stop when no callback may follow.
func (p *Pool) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	if cancel == nil {
		p.mu.Unlock()
		return
	}
	p.gen++
	p.cancel = nil
	unfinished := p.completed < p.total
	runID := p.runID
	p.queue = nil
	p.busy = make(map[int]Job)
	p.mu.Unlock()

	cancel()
	if unfinished {
		p.log.Info().Str("run", runID).Msg("analysis run canceled")
	}
}

// Wait blocks until every worker of the latest run has returned. It must
// not be called from a callback.
func (p *Pool) Wait(ctx context.Context) error {
	p.mu.Lock()
	wg := p.runDone
	p.mu.Unlock()
	if wg == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels the live run and waits for its workers. Once it returns no
// callback of that run is running or will run. It must not be called from a
// callback.
func (p *Pool) Stop(ctx context.Context) error {
	p.Cancel()
	return p.Wait(ctx)
}

// Progress returns the counters of the latest run.
func (p *Pool) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progressLocked()
}

// Close stops the live run and disposes every engine.
func (p *Pool) Close(ctx context.Context) error {
	err := p.Stop(ctx)
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for _, w := range p.workers {
		w.mu.Lock()
		err = errors.Join(err, w.dispose())
		w.mu.Unlock()
	}
	p.stopEngines()
	return err
}

func (p *Pool) progressLocked() Progress {
	prog := Progress{Completed: p.completed, Failed: p.failed, Total: p.total}
	for _, job := range p.busy {
		prog.InProgress = append(prog.InProgress, job.Ply)
	}
	sort.Ints(prog.InProgress)
	return prog
}

// next pops a job for workerID if gen is still live.
func (p *Pool) next(gen uint64, workerID int) (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != gen || len(p.queue) == 0 {
		return Job{}, false
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	p.busy[workerID] = job
	return job, true
}

func (p *Pool) finish(gen uint64, workerID int, job Job, res Result, err error) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		p.log.Debug().Str("job", job.Key()).Int("worker", workerID).Msg("dropping result of canceled run")
		return
	}
	delete(p.busy, workerID)
	p.completed++
	if err != nil {
		p.failed++
	}
	res.RunID = p.runID
	prog := p.progressLocked()
	p.mu.Unlock()

	if err != nil {
		p.log.Warn().Err(err).Str("job", job.Key()).Str("game", job.GameID).Int("worker", workerID).Msg("analysis job failed")
		if p.onError != nil {
			p.onError(job, err)
		}
	} else if p.onResult != nil {
		p.onResult(res)
	}
	if p.onProgress != nil {
		p.onProgress(prog)
	}
}

func limitsFor(job Job) usi.Limits {
	limits := usi.Limits{MoveTimeMs: job.TimeBudgetMs, Depth: job.DepthLimit}
	if limits.MoveTimeMs <= 0 && limits.Depth <= 0 {
		limits.MoveTimeMs = DefaultTimeBudget.Milliseconds()
	}
	return limits
}

// turnAfter returns the color to move once job's moves are played.
func turnAfter(job Job) (shogi.Color, error) {
	turn, err := shogi.SideToMove(job.Start)
	if err != nil {
		return shogi.Black, err
	}
	if len(job.Moves)%2 == 1 {
		turn = turn.Opponent()
	}
	return turn, nil
}

// worker is one reusable engine. mu is held by whichever run goroutine is
// serving with it, so runs never share an engine.
type worker struct {
	id   int
	pool *Pool

	mu          sync.Mutex
	handle      usi.Handle
	unsubscribe func()
	events      chan usi.Event
	quit        chan struct{}
	ready       bool
}

func (w *worker) serve(ctx context.Context, gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ctx.Err() == nil {
		job, ok := w.pool.next(gen, w.id)
		if !ok {
			return
		}
		res, err := w.analyze(ctx, job)
		w.pool.finish(gen, w.id, job, res, err)
	}
}

func (w *worker) ensure(ctx context.Context) error {
	w.drain()
	if w.handle == nil {
		h, err := w.pool.factory(w.pool.engineCtx, w.id)
		if err != nil {
			return fmt.Errorf("create worker %d: %w", w.id, err)
		}
		events := make(chan usi.Event, eventBuffer)
		quit := make(chan struct{})
		w.handle, w.events, w.quit = h, events, quit
		w.unsubscribe = h.Subscribe(func(ev usi.Event) {
			select {
			case events <- ev:
			case <-quit:
			}
		})
		w.pool.log.Debug().Int("worker", w.id).Msg("worker engine created")
	}
	if !w.ready {
		if err := w.handle.Init(ctx); err != nil {
			_ = w.dispose()
			return fmt.Errorf("init worker %d: %w", w.id, err)
		}
		w.ready = true
	}
	return nil
}

// drain drops events left over from earlier jobs. An engine that reported
// a fatal error while idle is disposed so ensure recreates it.
func (w *worker) drain() {
	for w.handle != nil {
		select {
		case ev := <-w.events:
			if ev.Type == usi.EventError && ev.Fatal {
				w.pool.log.Warn().Int("worker", w.id).Str("error", ev.Message).Msg("idle worker engine died")
				_ = w.dispose()
			}
		default:
			return
		}
	}
}

func (w *worker) analyze(ctx context.Context, job Job) (Result, error) {
	turn, err := turnAfter(job)
	if err != nil {
		return Result{}, fmt.Errorf("position: %w", err)
	}
	if err := w.ensure(ctx); err != nil {
		return Result{}, err
	}
	if err := w.handle.LoadPosition(ctx, job.Start, job.Moves); err != nil {
		_ = w.dispose()
		return Result{}, fmt.Errorf("load position: %w", err)
	}
	started := w.pool.now()
	search, err := w.handle.Search(ctx, limitsFor(job))
	if err != nil {
		_ = w.dispose()
		return Result{}, fmt.Errorf("search: %w", err)
	}

	var info usi.Info
	haveScore := false
	for {
		select {
		case <-ctx.Done():
			w.settle(search)
			return Result{}, ctx.Err()
		case ev := <-w.events:
			if ev.Type == usi.EventError {
				if ev.Fatal {
					_ = w.dispose()
				} else {
					w.settle(search)
				}
				return Result{}, fmt.Errorf("engine: %s", ev.Message)
			}
			if ev.SearchID != search.ID() {
				continue
			}
			switch ev.Type {
			case usi.EventInfo:
				if ev.Info.HasScore && ev.Info.MultiPV <= 1 {
					info = ev.Info
					haveScore = true
				}
			case usi.EventBestMove:
				if !haveScore {
					return Result{}, fmt.Errorf("bestmove %s: %w", ev.Move, errNoScore)
				}
				score := info.Score
				if turn == shogi.White {
					score.Value = -score.Value
				}
				return Result{
					Job:      job,
					Key:      job.Key(),
					WorkerID: w.id,
					BestMove: ev.Move,
					Ponder:   ev.Ponder,
					Info:     info,
					Score:    score,
					Elapsed:  w.pool.now().Sub(started),
				}, nil
			}
		}
	}
}

// settle stops search and waits for its bestmove so the engine is idle
// before the next job. An engine that does not answer is discarded.
func (w *worker) settle(search usi.CancellableSearch) {
	_ = search.Cancel(context.Background())
	timer := time.NewTimer(w.pool.stopTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-w.events:
			switch {
			case ev.Type == usi.EventError && ev.Fatal:
				_ = w.dispose()
				return
			case ev.Type == usi.EventBestMove && ev.SearchID == search.ID():
				return
			}
		case <-timer.C:
			w.pool.log.Warn().Int("worker", w.id).Msg("engine ignored stop, discarding it")
			_ = w.dispose()
			return
		}
	}
}

func (w *worker) dispose() error {
	if w.handle == nil {
		return nil
	}
	h := w.handle
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	close(w.quit)
	w.handle, w.unsubscribe, w.events, w.quit, w.ready = nil, nil, nil, nil, false

	_ = h.Stop(context.Background())
	w.pool.log.Debug().Int("worker", w.id).Msg("worker engine disposed")
	if d, ok := h.(usi.Disposer); ok {
		if err := d.Dispose(); err != nil {
			return fmt.Errorf("dispose worker %d: %w", w.id, err)
		}
	}
	return nil
}
