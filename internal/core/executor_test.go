package core

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream.ai/internal/clock"
	"tilestream.ai/internal/codec/codectest"
	"tilestream.ai/internal/observer"
	"tilestream.ai/internal/sequence"
)

func TestExecutor_StepAppliesQueuedCommandsInOrder(t *testing.T) {
	c := New(DefaultConfig(), codectest.New(), &clock.Counter{}, nil)
	e := NewExecutor(c, ExecutorConfig{CommandCapacity: 4, Budget: unlimited})

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		require.NoError(t, e.Post(context.Background(), func(*Core) error {
			order = append(order, i)
			return nil
		}))
	}
	ts, err := e.Step()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, uint64(1), ts.Frame)
}

func TestExecutor_StepAdvancesClock(t *testing.T) {
	frames := &clock.Counter{}
	c := New(DefaultConfig(), codectest.New(), frames, nil)
	e := NewExecutor(c, ExecutorConfig{Clock: frames, Budget: unlimited})
	for want := uint64(1); want <= 3; want++ {
		ts, err := e.Step()
		require.NoError(t, err)
		assert.Equal(t, want, ts.Frame)
		assert.Equal(t, want, frames.Frame(), "frame comes from the counter, not the bump")
	}
	frames.Advance()
	ts, err := e.Step()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ts.Frame)
}

func TestExecutor_DoReturnsCommandError(t *testing.T) {
	c := New(DefaultConfig(), codectest.New(), &clock.Counter{}, nil)
	e := NewExecutor(c, ExecutorConfig{})

	errc := make(chan error, 1)
	go func() {
		errc <- e.Do(context.Background(), func(c *Core) error {
			return c.RemoveObserver(observer.ID{Index: 3, Gen: 1})
		})
	}()
	require.Eventually(t, func() bool { return len(e.cmds) == 1 }, time.Second, time.Millisecond)
	_, err := e.Step()
	require.NoError(t, err)
	assert.True(t, errors.Is(<-errc, ErrUnknownObserver))
}

func TestExecutor_FullBufferBlocksProducer(t *testing.T) {
	c := New(DefaultConfig(), codectest.New(), &clock.Counter{}, nil)
	e := NewExecutor(c, ExecutorConfig{CommandCapacity: 1})
	noop := func(*Core) error { return nil }
	require.NoError(t, e.Post(context.Background(), noop))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Post(ctx, noop)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestExecutor_RunPublishesFramesAndShutsDown(t *testing.T) {
	c := New(DefaultConfig(), codectest.New(), &clock.Counter{}, nil)
	e := NewExecutor(c, ExecutorConfig{TickRateHz: 200, Budget: unlimited})
	frames, stop := e.Subscribe()
	defer stop()
	var ticks int
	e.OnTick(func(TickStats) { ticks++ })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	var seq sequence.ID
	err := e.Do(ctx, func(c *Core) error {
		d, err := sequence.NewDescriptor("s", sequence.Dim{X: 64, Y: 64}, sequence.Dim{X: 1, Y: 1}, 1, 4)
		if err != nil {
			return err
		}
		seq, err = c.RegisterSequence(d)
		return err
	})
	require.NoError(t, err)

	select {
	case f := <-frames:
		require.NotNil(t, f)
		assert.Positive(t, f.Number)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame published")
	}

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
	assert.Positive(t, ticks)
	assert.False(t, seq.IsNil())
	err = e.Post(context.Background(), func(*Core) error { return nil })
	assert.True(t, errors.Is(err, ErrCommandBufferClosed))
}
