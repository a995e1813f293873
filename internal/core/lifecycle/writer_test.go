package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
)

// scriptedChannel fails each call with the next scripted error, if any.
type scriptedChannel struct {
	mu    sync.Mutex
	errs  []error
	calls []string
	block chan struct{}
}

func (c *scriptedChannel) next(ctx context.Context, call string) error {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	block := c.block
	var err error
	if len(c.errs) > 0 {
		err, c.errs = c.errs[0], c.errs[1:]
	}
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *scriptedChannel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *scriptedChannel) Subscribe(context.Context, string, remote.BatchHandler) (remote.Subscription, error) {
	return nil, errors.New("not supported")
}

func (c *scriptedChannel) Upsert(ctx context.Context, _ string, rec record.Record) error {
	return c.next(ctx, fmt.Sprintf("upsert %s x=%g", rec.ID, rec.X))
}

func (c *scriptedChannel) Delete(ctx context.Context, _ string, id record.ID) error {
	return c.next(ctx, "delete "+string(id))
}

func newTestWriter(ch remote.Channel, policy RetryPolicy, onFailure func(WriteFailure)) *Writer {
	return NewWriter(ch, "s1", policy, clock.New(), onFailure, log.NewNop())
}

func TestWriterPreservesOrder(t *testing.T) {
	ch := &scriptedChannel{}
	w := newTestWriter(ch, DefaultRetryPolicy(), nil)
	defer w.Close()

	w.Upsert(shape("a", 1, 0))
	w.Upsert(shape("a", 2, 0))
	w.Delete("a")
	w.Upsert(shape("b", 1, 0))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Drain(ctx))
	assert.Equal(t, []string{"upsert a x=1", "upsert a x=2", "delete a", "upsert b x=1"}, ch.Calls())
	assert.Zero(t, w.Pending())
	assert.False(t, w.Has("a"))
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	ch := &scriptedChannel{errs: []error{remote.ErrWriteFailure, remote.ErrWriteFailure}}
	var failures []WriteFailure
	w := newTestWriter(ch, RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}, func(f WriteFailure) {
		failures = append(failures, f)
	})
	defer w.Close()

	w.Upsert(shape("a", 1, 0))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Drain(ctx))

	assert.Len(t, ch.Calls(), 3)
	assert.Empty(t, failures)
}

func TestWriterDoesNotRetryForbidden(t *testing.T) {
	ch := &scriptedChannel{errs: []error{fmt.Errorf("%w: %w", remote.ErrWriteFailure, remote.ErrForbidden)}}
	failures := make(chan WriteFailure, 1)
	w := newTestWriter(ch, RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond}, func(f WriteFailure) {
		failures <- f
	})
	defer w.Close()

	w.Delete("a")
	f := <-failures
	assert.Equal(t, 1, f.Attempts)
	assert.Equal(t, "delete", f.Op)
	assert.ErrorIs(t, f, remote.ErrForbidden)
	assert.Len(t, ch.Calls(), 1)
}

func TestWriterDrainTimesOut(t *testing.T) {
	ch := &scriptedChannel{block: make(chan struct{})}
	w := newTestWriter(ch, DefaultRetryPolicy(), nil)

	w.Upsert(shape("a", 1, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Drain(ctx), ErrDrainTimeout)
	assert.True(t, w.Has("a"))

	close(ch.block)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, w.Drain(ctx2))
	w.Close()
}

func TestWriterCloseReleasesDrain(t *testing.T) {
	ch := &scriptedChannel{block: make(chan struct{})}
	w := newTestWriter(ch, RetryPolicy{MaxAttempts: 1}, nil)

	w.Upsert(shape("a", 1, 0))
	w.Upsert(shape("b", 1, 0))
	w.Close()
	w.Close()

	assert.NoError(t, w.Drain(context.Background()))
	assert.Zero(t, w.Pending())

	w.Upsert(shape("c", 1, 0))
	assert.Zero(t, w.Pending())
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))
}

func TestRetryWaitsOnTheClock(t *testing.T) {
	clk := clock.NewMock()
	start := clk.Now()
	p := RetryPolicy{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, Multiplier: 2}

	var calls atomic.Int32
	var elapsed []time.Duration
	var mu sync.Mutex
	done := make(chan int, 1)
	go func() {
		n, err := p.retry(context.Background(), clk, func() error {
			calls.Add(1)
			mu.Lock()
			elapsed = append(elapsed, clk.Now().Sub(start))
			mu.Unlock()
			return remote.ErrWriteFailure
		}, nil)
		assert.ErrorIs(t, err, remote.ErrWriteFailure)
		done <- n
	}()

	// Real time alone never advances the retry.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	var attempts int
	require.Eventually(t, func() bool {
		select {
		case attempts = <-done:
			return true
		default:
			clk.Add(10 * time.Millisecond)
			return false
		}
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, 3, attempts)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, elapsed, 3)
	assert.GreaterOrEqual(t, elapsed[1], 100*time.Millisecond)
	assert.GreaterOrEqual(t, elapsed[2]-elapsed[1], 200*time.Millisecond)
}
