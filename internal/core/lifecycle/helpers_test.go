package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/canvassync/internal/core/document"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/remote/memory"
	"github.com/zeusync/canvassync/internal/core/session"
)

// tracingChannel forwards to a memory.Hub, records every call in order and can
// inject failures.
type tracingChannel struct {
	hub *memory.Hub

	mu             sync.Mutex
	events         []string
	subscribes     int
	failSubscribes int
	failUpserts    int
	failDeletes    int
	streams        []*remote.Stream
}

func (c *tracingChannel) log(format string, args ...any) {
	c.mu.Lock()
	c.events = append(c.events, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

func (c *tracingChannel) Events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *tracingChannel) count(prefix string) int {
	n := 0
	for _, e := range c.Events() {
		if len(e) >= len(prefix) && e[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (c *tracingChannel) Subscribe(ctx context.Context, sessionID string, onBatch remote.BatchHandler) (remote.Subscription, error) {
	c.mu.Lock()
	c.subscribes++
	if c.failSubscribes > 0 {
		c.failSubscribes--
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: connection refused", remote.ErrSubscription)
	}
	c.mu.Unlock()

	sub, err := c.hub.Subscribe(ctx, sessionID, onBatch)
	if err != nil {
		return nil, err
	}
	c.log("subscribe %s", sessionID)
	stream := sub.(*remote.Stream)
	c.mu.Lock()
	c.streams = append(c.streams, stream)
	c.mu.Unlock()
	return &tracedSubscription{Subscription: sub, ch: c, sessionID: sessionID}, nil
}

func (c *tracingChannel) Upsert(ctx context.Context, sessionID string, rec record.Record) error {
	c.mu.Lock()
	if c.failUpserts > 0 {
		c.failUpserts--
		c.mu.Unlock()
		return fmt.Errorf("%w: unavailable", remote.ErrWriteFailure)
	}
	c.mu.Unlock()
	c.log("upsert %s %s x=%g", sessionID, rec.ID, rec.X)
	return c.hub.Upsert(ctx, sessionID, rec)
}

func (c *tracingChannel) Delete(ctx context.Context, sessionID string, id record.ID) error {
	c.mu.Lock()
	if c.failDeletes > 0 {
		c.failDeletes--
		c.mu.Unlock()
		c.log("delete-failed %s %s", sessionID, id)
		return fmt.Errorf("%w: unavailable", remote.ErrWriteFailure)
	}
	c.mu.Unlock()
	c.log("delete %s %s", sessionID, id)
	return c.hub.Delete(ctx, sessionID, id)
}

// drop fails the most recent stream as a transport would on disconnect.
func (c *tracingChannel) drop() {
	c.mu.Lock()
	s := c.streams[len(c.streams)-1]
	c.mu.Unlock()
	s.Fail(errors.New("connection reset"))
}

type tracedSubscription struct {
	remote.Subscription
	ch        *tracingChannel
	sessionID string
	once      sync.Once
}

func (s *tracedSubscription) Unsubscribe() {
	s.once.Do(func() { s.ch.log("unsubscribe %s", s.sessionID) })
	s.Subscription.Unsubscribe()
}

type fixture struct {
	hub     *memory.Hub
	channel *tracingChannel
	store   *document.Store
	clock   *clock.Mock
	ctrl    *Controller
}

func newFixture(t *testing.T, identity string, tweak func(*Config)) *fixture {
	t.Helper()
	hub := memory.NewHub(nil, log.NewNop())
	ctx := context.Background()
	require.NoError(t, hub.CreateSession(ctx, session.Session{ID: "s1", OwnerID: "alice"}))
	require.NoError(t, hub.CreateSession(ctx, session.Session{ID: "s2", OwnerID: "alice"}))

	f := &fixture{
		hub:     hub,
		channel: &tracingChannel{hub: hub},
		store:   document.New(log.NewNop()),
		clock:   clock.NewMock(),
	}
	f.store.MarkReady()

	cfg := DefaultConfig()
	cfg.Identity = identity
	cfg.DebounceInterval = 200 * time.Millisecond
	cfg.Clock = f.clock
	if tweak != nil {
		tweak(&cfg)
	}
	f.ctrl = NewController(cfg, hub, f.channel, f.store, log.NewNop())
	t.Cleanup(func() { _ = f.ctrl.Close() })
	return f
}

func (f *fixture) mount(t *testing.T, sessionID string) *Mount {
	t.Helper()
	m := f.ctrl.Mount(sessionID)
	require.NotNil(t, m)
	select {
	case <-m.Setup():
	case <-time.After(2 * time.Second):
		t.Fatal("setup did not finish")
	}
	return m
}

// waitCount waits until n events start with prefix. Mock timers fire on their
// own goroutines, so debounced writes land shortly after the clock moves.
func (f *fixture) waitCount(t *testing.T, prefix string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.channel.count(prefix) >= n },
		2*time.Second, time.Millisecond, "events: %v", f.channel.Events())
}

func drain(t *testing.T, m *Mount) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))
}

func shape(id record.ID, x, y float64) record.Record {
	return record.New(id, x, y, record.BoxProps{W: 10, H: 10})
}
