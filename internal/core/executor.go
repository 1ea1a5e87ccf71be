package core

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"tilestream.ai/internal/clock"
)

var ErrCommandBufferClosed = errors.New("command buffer closed")

type ExecutorConfig struct {
	TickRateHz      int
	CommandCapacity int
	Budget          Budget
	// Clock, when set, is advanced once before every tick. It should be the
	// clock the Core was built with.
	Clock *clock.Counter
}

type command struct {
	fn   func(*Core) error
	done chan error
}

// Executor is the single goroutine that owns a Core. External actors
// enqueue commands; the executor applies them at the start of the next tick
// in arrival order.
type Executor struct {
	core   *Core
	clock  *clock.Counter
	rate   int
	budget Budget

	cmds   chan command
	closed chan struct{}
	once   sync.Once

	subsMu sync.Mutex
	subs   map[chan *Frame]struct{}

	statsFn func(TickStats)
}

func NewExecutor(c *Core, cfg ExecutorConfig) *Executor {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 60
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = 256
	}
	return &Executor{
		core:   c,
		clock:  cfg.Clock,
		rate:   cfg.TickRateHz,
		budget: cfg.Budget,
		cmds:   make(chan command, cfg.CommandCapacity),
		closed: make(chan struct{}),
		subs:   map[chan *Frame]struct{}{},
	}
}

// OnTick installs a hook run on the executor goroutine after every tick.
// Must be set before Run.
func (e *Executor) OnTick(fn func(TickStats)) { e.statsFn = fn }

// Do enqueues fn and waits for its result. A full buffer blocks the caller.
func (e *Executor) Do(ctx context.Context, fn func(*Core) error) error {
	done := make(chan error, 1)
	if err := e.enqueue(ctx, command{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		select {
		case err := <-done:
			return err
		default:
			return ErrCommandBufferClosed
		}
	}
}

// Post enqueues fn without waiting for it to run.
func (e *Executor) Post(ctx context.Context, fn func(*Core) error) error {
	return e.enqueue(ctx, command{fn: fn})
}

func (e *Executor) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-e.closed:
		return ErrCommandBufferClosed
	default:
	}
	select {
	case e.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrCommandBufferClosed
	}
}

// SetBudget changes the per-tick budget from the next tick on.
func (e *Executor) SetBudget(ctx context.Context, b Budget) error {
	return e.Post(ctx, func(*Core) error {
		e.budget = b
		return nil
	})
}

// Subscribe returns a channel that always holds the most recent frame; a
// slow reader skips frames. cancel stops delivery.
func (e *Executor) Subscribe() (frames <-chan *Frame, cancel func()) {
	ch := make(chan *Frame, 1)
	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()
	return ch, func() {
		e.subsMu.Lock()
		delete(e.subs, ch)
		e.subsMu.Unlock()
	}
}

func (e *Executor) broadcast(f *Frame) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- f:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- f:
			default:
			}
		}
	}
}

// Step applies the commands queued so far, then ticks the core once.
func (e *Executor) Step() (TickStats, error) {
	for n := len(e.cmds); n > 0; n-- {
		cmd := <-e.cmds
		err := cmd.fn(e.core)
		if cmd.done != nil {
			cmd.done <- err
		}
	}
	if e.clock != nil {
		e.clock.Advance()
	}
	ts, err := e.core.Tick(e.budget)
	if err != nil {
		return ts, err
	}
	if e.statsFn != nil {
		e.statsFn(ts)
	}
	e.broadcast(e.core.Frame())
	return ts, nil
}

// Run ticks at the configured rate until ctx is done. On return queued
// commands fail with ErrCommandBufferClosed.
func (e *Executor) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(e.rate))
	defer ticker.Stop()
	defer e.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.Step(); err != nil {
				return err
			}
		}
	}
}

func (e *Executor) shutdown() {
	e.once.Do(func() {
		close(e.closed)
		for {
			select {
			case cmd := <-e.cmds:
				if cmd.done != nil {
					cmd.done <- ErrCommandBufferClosed
				}
			default:
				return
			}
		}
	})
}
