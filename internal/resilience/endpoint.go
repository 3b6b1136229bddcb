package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kquota/internal/clock"
	"github.com/goodtune/kquota/internal/loop"
	"github.com/rs/zerolog"
)

// State is the connection state of an endpoint.
type State int

const (
	Unconnected State = iota
	Connected
	PermanentlyFailed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case PermanentlyFailed:
		return "permanently_failed"
	default:
		return "unconnected"
	}
}

// Options configures an endpoint's retry behaviour.
type Options struct {
	// Retries is the number of failed attempts tolerated before the endpoint
	// is marked PermanentlyFailed.
	Retries int
	// Backoff is the constant delay between attempts.
	Backoff time.Duration
	// DelayTicks is the number of Connect calls ignored before the first
	// attempt is made.
	DelayTicks int
	// ConnectTimeout bounds a single connect attempt. Zero means no bound.
	ConnectTimeout time.Duration
}

// Endpoint wraps an external dependency with a retry state machine. All
// methods must be called from the loop; connect and DoAsync work run off it.
type Endpoint[T any] struct {
	name    string
	loop    *loop.Loop
	opts    Options
	connect func(ctx context.Context) (T, error)
	closeFn func(T)
	logger  zerolog.Logger

	state       State
	handle      T
	retriesLeft int
	delayTicks  int
	connecting  bool
	generation  uint64
	retryTimer  clock.Timer
	closed      bool

	onFailed   func(err error)
	failedOnce bool
	observers  []func(name string, s State)
}

// NewEndpoint creates an unconnected endpoint. connect is run off the loop
// and may block.
func NewEndpoint[T any](l *loop.Loop, name string, opts Options, connect func(ctx context.Context) (T, error), logger zerolog.Logger) *Endpoint[T] {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Endpoint[T]{
		name:        name,
		loop:        l,
		opts:        opts,
		connect:     connect,
		logger:      logger.With().Str("component", "resilience").Str("endpoint", name).Logger(),
		retriesLeft: opts.Retries,
		delayTicks:  opts.DelayTicks,
	}
}

// OnClose registers a function that releases a handle.
func (e *Endpoint[T]) OnClose(fn func(T)) {
	e.closeFn = fn
}

// OnPermanentFailure registers the hook called once when the endpoint gives
// up.
func (e *Endpoint[T]) OnPermanentFailure(fn func(err error)) {
	e.onFailed = fn
}

// Name returns the endpoint name.
func (e *Endpoint[T]) Name() string {
	return e.name
}

// State returns the current state.
func (e *Endpoint[T]) State() State {
	return e.state
}

// RetriesLeft returns the remaining failed attempts allowed.
func (e *Endpoint[T]) RetriesLeft() int {
	return e.retriesLeft
}

// Handle returns the connected handle.
func (e *Endpoint[T]) Handle() (T, bool) {
	return e.handle, e.state == Connected
}

func (e *Endpoint[T]) observe(fn func(name string, s State)) {
	e.observers = append(e.observers, fn)
	fn(e.name, e.state)
}

// Connect starts a connection attempt if the endpoint is unconnected and
// idle. While delayTicks is positive the call only counts down.
func (e *Endpoint[T]) Connect() {
	if e.closed || e.state != Unconnected || e.connecting || e.retryTimer != nil {
		return
	}
	if e.delayTicks > 0 {
		e.delayTicks--
		e.logger.Debug().Int("delay_ticks", e.delayTicks).Msg("Delaying first connection attempt")
		return
	}
	e.attempt()
}

func (e *Endpoint[T]) attempt() {
	e.retryTimer = nil
	if e.closed || e.state != Unconnected || e.connecting {
		return
	}

	e.connecting = true
	timeout := e.opts.ConnectTimeout
	connect := e.connect

	type result struct {
		handle T
		err    error
	}

	loop.Go(e.loop, func() result {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		h, err := connect(ctx)
		return result{handle: h, err: err}
	}, func(r result) {
		e.connecting = false
		if e.closed {
			if r.err == nil && e.closeFn != nil {
				e.closeFn(r.handle)
			}
			return
		}
		if r.err != nil {
			e.connectFailed(r.err)
			return
		}
		e.handle = r.handle
		e.generation++
		e.setState(Connected)
		e.logger.Info().Msg("Endpoint connected")
	})
}

func (e *Endpoint[T]) connectFailed(err error) {
	if Classify(err) == KindPermissionDenied {
		e.retriesLeft = 0
		e.fail(err)
		return
	}

	if e.retriesLeft > 0 {
		e.retriesLeft--
	}
	if e.retriesLeft == 0 {
		e.fail(err)
		return
	}

	e.logger.Warn().
		Err(err).
		Int("retries_left", e.retriesLeft).
		Dur("backoff", e.opts.Backoff).
		Msg("Endpoint connection failed, retrying")
	e.retryTimer = e.loop.After(e.opts.Backoff, e.attempt)
}

func (e *Endpoint[T]) fail(err error) {
	e.setState(PermanentlyFailed)
	if e.failedOnce {
		return
	}
	e.failedOnce = true
	e.logger.Error().Err(err).Msg("Endpoint permanently failed")
	if e.onFailed != nil {
		e.onFailed(err)
	}
}

func (e *Endpoint[T]) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	for _, fn := range e.observers {
		fn(e.name, s)
	}
}

// Do runs fn with the handle on the loop and reports its outcome.
func (e *Endpoint[T]) Do(fn func(T) error) error {
	switch e.state {
	case PermanentlyFailed:
		return ErrPermanentlyFailed
	case Unconnected:
		return ErrNotConnected
	}
	err := fn(e.handle)
	e.report(e.generation, err)
	return err
}

// DoAsync runs work with the handle off the loop and posts its outcome to
// then. then receives ErrNotConnected or ErrPermanentlyFailed without work
// running when the endpoint has no handle.
func (e *Endpoint[T]) DoAsync(work func(T) error, then func(error)) {
	var err error
	switch e.state {
	case PermanentlyFailed:
		err = ErrPermanentlyFailed
	case Unconnected:
		err = ErrNotConnected
	}
	if err != nil {
		if then != nil {
			e.loop.Post(func() { then(err) })
		}
		return
	}

	handle := e.handle
	gen := e.generation
	loop.Go(e.loop, func() error {
		return work(handle)
	}, func(err error) {
		e.report(gen, err)
		if then != nil {
			then(err)
		}
	})
}

// report applies the result of using a handle. Results from a handle that
// has since been replaced are ignored.
func (e *Endpoint[T]) report(gen uint64, err error) {
	if err == nil || gen != e.generation || e.state != Connected {
		return
	}

	switch Classify(err) {
	case KindPermissionDenied:
		e.dropHandle()
		e.retriesLeft = 0
		e.fail(err)
	case KindTransient:
		e.dropHandle()
		e.retriesLeft = e.opts.Retries
		e.setState(Unconnected)
		e.logger.Warn().Err(err).Msg("Endpoint lost, reconnecting")
		e.retryTimer = e.loop.After(e.opts.Backoff, e.attempt)
	}
}

func (e *Endpoint[T]) dropHandle() {
	if e.closeFn != nil {
		e.closeFn(e.handle)
	}
	var zero T
	e.handle = zero
	e.generation++
}

// Close releases the handle and stops any pending retry. A closed endpoint
// never reconnects.
func (e *Endpoint[T]) Close() {
	if e.closed {
		return
	}
	e.closed = true
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	if e.state == Connected {
		e.dropHandle()
		e.setState(Unconnected)
	}
}

func (e *Endpoint[T]) String() string {
	return fmt.Sprintf("%s(%s, retries_left=%d)", e.name, e.state, e.retriesLeft)
}
