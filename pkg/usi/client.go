package usi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned once the engine process or stream has gone away.
	ErrClosed = errors.New("engine is closed")
	// ErrNotInitialized is returned by Search before a successful Init.
	ErrNotInitialized = errors.New("engine is not initialized")
)

// Handle is the asynchronous command/event surface of an engine process.
// Results of Search arrive as events on Subscribe, never as return values.
type Handle interface {
	Init(ctx context.Context) error
	LoadPosition(ctx context.Context, start string, moves []string) error
	SetOption(ctx context.Context, name, value string) error
	Search(ctx context.Context, limits Limits) (CancellableSearch, error)
	Stop(ctx context.Context) error
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Disposer is implemented by handles that own an OS process.
type Disposer interface {
	Dispose() error
}

// CancellableSearch is one outstanding "go".
type CancellableSearch interface {
	ID() uint64
	Cancel(ctx context.Context) error
}

// LaunchConfig describes an engine binary and its handshake options.
type LaunchConfig struct {
	Path    string
	Args    []string
	Options map[string]string
	Logger  zerolog.Logger
}

// Launch starts the engine process and wraps it in a Client. ctx only
// bounds startup; the process runs until Dispose. The handshake is not
// performed; call Init.
func Launch(ctx context.Context, cfg LaunchConfig) (*Client, error) {
	proc, err := Spawn(ctx, cfg.Path, cfg.Args, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Path, err)
	}
	return NewClient(proc, proc.Stdout(),
		WithOptions(cfg.Options),
		WithLogger(cfg.Logger),
		WithCloser(proc.Close),
	), nil
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithOptions sets the setoption pairs sent during Init.
func WithOptions(opts map[string]string) ClientOption {
	return func(c *Client) {
		c.options = make(map[string]string, len(opts))
		for k, v := range opts {
			c.options[k] = v
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithCloser sets the function Dispose uses to release the underlying stream.
func WithCloser(fn func() error) ClientOption {
	return func(c *Client) {
		c.closer = fn
	}
}

// Client speaks USI over a writer/reader pair. A single dispatch goroutine
// owns the reader; everything else is safe for concurrent use.
type Client struct {
	w       io.Writer
	wmu     sync.Mutex
	reader  *Reader
	closer  func() error
	options map[string]string
	log     zerolog.Logger

	mu       sync.Mutex
	subs     map[int]func(Event)
	nextSub  int
	waiters  map[EventType][]chan error
	searches []*search
	nextID   uint64
	ready    bool
	closed   bool
	name     string
	done     chan struct{}
}

// NewClient wraps w (engine stdin) and r (engine stdout) and starts the
// dispatch goroutine.
func NewClient(w io.Writer, r io.Reader, opts ...ClientOption) *Client {
	c := &Client{
		w:       w,
		reader:  NewReader(r),
		log:     zerolog.Nop(),
		subs:    make(map[int]func(Event)),
		waiters: make(map[EventType][]chan error),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.dispatch()
	return c
}

// Name returns the engine's "id name" once the handshake has seen it.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Done is closed when the engine's output stream ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) send(line string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := io.WriteString(c.w, line); err != nil {
		return fmt.Errorf("send %q: %w", strings.TrimSpace(line), err)
	}
	c.log.Trace().Str("line", strings.TrimSpace(line)).Msg("usi >")
	return nil
}

// Init runs the USI handshake: usi, setoption*, isready, usinewgame.
func (c *Client) Init(ctx context.Context) error {
	usiok := c.expect(EventUSIOK)
	if err := c.send("usi"); err != nil {
		c.dropWaiter(EventUSIOK, usiok)
		return err
	}
	if err := c.wait(ctx, EventUSIOK, usiok); err != nil {
		return fmt.Errorf("usi handshake: %w", err)
	}
	keys := make([]string, 0, len(c.options))
	for k := range c.options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.SetOption(ctx, k, c.options[k]); err != nil {
			return err
		}
	}
	readyok := c.expect(EventReadyOK)
	if err := c.send("isready"); err != nil {
		c.dropWaiter(EventReadyOK, readyok)
		return err
	}
	if err := c.wait(ctx, EventReadyOK, readyok); err != nil {
		return fmt.Errorf("ready handshake: %w", err)
	}
	if err := c.send("usinewgame"); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// SetOption sends a single setoption line.
func (c *Client) SetOption(_ context.Context, name, value string) error {
	if value == "" {
		return c.send("setoption name " + name)
	}
	return c.send(fmt.Sprintf("setoption name %s value %s", name, value))
}

// LoadPosition sends the position the next search starts from.
func (c *Client) LoadPosition(_ context.Context, start string, moves []string) error {
	return c.send(PositionCommand(start, moves))
}

// Search issues "go" and returns immediately. The matching bestmove is
// delivered to subscribers with Event.SearchID set to the returned ID.
func (c *Client) Search(_ context.Context, limits Limits) (CancellableSearch, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.ready {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	c.nextID++
	s := &search{id: c.nextID, client: c}
	c.searches = append(c.searches, s)
	c.mu.Unlock()

	if err := c.send(limits.Command()); err != nil {
		c.mu.Lock()
		c.removeSearch(s)
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Stop asks the engine to finish whatever search is running.
func (c *Client) Stop(_ context.Context) error {
	c.mu.Lock()
	outstanding := len(c.searches) > 0
	c.mu.Unlock()
	if !outstanding {
		return nil
	}
	return c.send("stop")
}

// Subscribe registers fn for every event except handshake acknowledgements.
// fn runs on the dispatch goroutine and must not block for long.
func (c *Client) Subscribe(fn func(Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Dispose stops any search and releases the process.
func (c *Client) Dispose() error {
	_ = c.Stop(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	closer := c.closer
	c.mu.Unlock()
	if closer == nil {
		c.markClosed()
		return nil
	}
	err := closer()
	c.markClosed()
	return err
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.ready = false
}

func (c *Client) expect(t EventType) chan error {
	ch := make(chan error, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch <- ErrClosed
		return ch
	}
	c.waiters[t] = append(c.waiters[t], ch)
	return ch
}

func (c *Client) dropWaiter(t EventType, ch chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.waiters[t]
	for i, w := range list {
		if w == ch {
			c.waiters[t] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (c *Client) wait(ctx context.Context, t EventType, ch chan error) error {
	select {
	case <-ctx.Done():
		c.dropWaiter(t, ch)
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

func (c *Client) removeSearch(s *search) {
	for i, cur := range c.searches {
		if cur == s {
			c.searches = append(c.searches[:i], c.searches[i+1:]...)
			return
		}
	}
}

func (c *Client) dispatch() {
	defer close(c.done)
	for {
		ev, err := c.reader.Next()
		if err != nil {
			if errors.Is(err, errEmptyLine) {
				continue
			}
			c.fail(err)
			return
		}
		c.log.Trace().Str("line", ev.Raw).Msg("usi <")
		c.route(ev)
	}
}

func (c *Client) route(ev Event) {
	c.mu.Lock()
	switch ev.Type {
	case EventUSIOK, EventReadyOK:
		if list := c.waiters[ev.Type]; len(list) > 0 {
			list[0] <- nil
			c.waiters[ev.Type] = list[1:]
		}
		c.mu.Unlock()
		return
	case EventID:
		if ev.Key == "name" {
			c.name = ev.Value
		}
	case EventInfo:
		if len(c.searches) > 0 {
			ev.SearchID = c.searches[0].id
		}
	case EventBestMove:
		if len(c.searches) > 0 {
			head := c.searches[0]
			head.finished = true
			ev.SearchID = head.id
			c.searches = c.searches[1:]
		}
	}
	subs := c.snapshotSubs()
	c.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (c *Client) fail(err error) {
	msg := "engine output closed"
	if err != nil && !errors.Is(err, io.EOF) {
		msg = fmt.Sprintf("engine output failed: %v", err)
	}
	c.mu.Lock()
	c.closed = true
	c.ready = false
	for t, list := range c.waiters {
		for _, ch := range list {
			ch <- ErrClosed
		}
		delete(c.waiters, t)
	}
	for _, s := range c.searches {
		s.finished = true
	}
	c.searches = nil
	subs := c.snapshotSubs()
	c.mu.Unlock()
	ev := Event{Type: EventError, Message: msg, Fatal: true}
	for _, fn := range subs {
		fn(ev)
	}
}

func (c *Client) snapshotSubs() []func(Event) {
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.subs[id])
	}
	return out
}

type search struct {
	id       uint64
	client   *Client
	finished bool
}

func (s *search) ID() uint64 {
	return s.id
}

// Cancel sends "stop" if the search has not produced its bestmove yet.
// The engine still answers with a bestmove, which callers must ignore.
func (s *search) Cancel(_ context.Context) error {
	s.client.mu.Lock()
	finished := s.finished
	s.client.mu.Unlock()
	if finished {
		return nil
	}
	return s.client.send("stop")
}
