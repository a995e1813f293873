package wsclient_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/remote/memory"
	"github.com/zeusync/canvassync/internal/core/remote/wsclient"
	"github.com/zeusync/canvassync/internal/core/session"
	"github.com/zeusync/canvassync/internal/server"
)

type relay struct {
	hub *memory.Hub
	srv *server.Server
	ts  *httptest.Server
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	hub := memory.NewHub(nil, log.NewNop())
	require.NoError(t, hub.CreateSession(context.Background(), session.Session{ID: "s1", OwnerID: "alice"}))

	srv := server.NewServer(hub, server.DefaultServerConfig(), log.NewNop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return &relay{hub: hub, srv: srv, ts: ts}
}

func (r *relay) client(t *testing.T, identity string) *wsclient.Client {
	t.Helper()
	cfg := wsclient.DefaultClientConfig()
	cfg.URL = "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/ws"
	cfg.Identity = identity
	cfg.Timeout = 2 * time.Second
	c, err := wsclient.New(cfg, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type batches struct {
	mu  sync.Mutex
	all []remote.Batch
}

func (b *batches) handle(batch remote.Batch) {
	b.mu.Lock()
	b.all = append(b.all, batch)
	b.mu.Unlock()
}

func (b *batches) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}

func (b *batches) at(i int) remote.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.all[i]
}

func box(id record.ID, x float64) record.Record {
	return record.New(id, x, 0, record.BoxProps{W: 10, H: 10})
}

func TestNewRequiresURL(t *testing.T) {
	_, err := wsclient.New(wsclient.Config{}, log.NewNop())
	assert.ErrorIs(t, err, wsclient.ErrInvalidConfig)
}

func TestGetSession(t *testing.T) {
	r := newRelay(t)
	c := r.client(t, "bob")
	ctx := context.Background()

	s, err := c.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", s.OwnerID)

	_, err = c.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestOwnerWritesReachSubscribers(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	require.NoError(t, r.hub.Upsert(ctx, "s1", box("box:existing", 1)))

	guest := r.client(t, "bob")
	got := &batches{}
	sub, err := guest.Subscribe(ctx, "s1", got.handle)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	snapshot := got.at(0)
	require.Len(t, snapshot, 1)
	assert.Equal(t, remote.KindAdded, snapshot[0].Kind)
	assert.Equal(t, record.ID("box:existing"), snapshot[0].Record.ID)

	owner := r.client(t, "alice")
	require.NoError(t, owner.Upsert(ctx, "s1", box("box:new", 5)))
	require.NoError(t, owner.Delete(ctx, "s1", "box:existing"))

	require.Eventually(t, func() bool { return got.len() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, remote.KindAdded, got.at(1)[0].Kind)
	assert.Equal(t, 5.0, got.at(1)[0].Record.X)
	assert.Equal(t, remote.KindRemoved, got.at(2)[0].Kind)
	assert.Equal(t, record.ID("box:existing"), got.at(2)[0].Record.ID)

	recs, err := r.hub.Records(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, record.ID("box:new"), recs[0].ID)
}

func TestNonOwnerWritesAreForbidden(t *testing.T) {
	r := newRelay(t)
	guest := r.client(t, "bob")

	err := guest.Upsert(context.Background(), "s1", box("box:1", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrWriteFailure)
	assert.ErrorIs(t, err, remote.ErrForbidden)

	recs, err := r.hub.Records(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSubscribeUnknownSession(t *testing.T) {
	r := newRelay(t)
	c := r.client(t, "bob")

	_, err := c.Subscribe(context.Background(), "missing", func(remote.Batch) {})
	assert.ErrorIs(t, err, remote.ErrSubscription)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	c := r.client(t, "alice")

	got := &batches{}
	sub, err := c.Subscribe(ctx, "s1", got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	sub.Unsubscribe()
	<-sub.Done()
	assert.NoError(t, sub.Err())

	require.NoError(t, c.Upsert(ctx, "s1", box("box:1", 1)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, got.len())
}

func TestDropFailsSubscription(t *testing.T) {
	r := newRelay(t)
	c := r.client(t, "alice")

	sub, err := c.Subscribe(context.Background(), "s1", func(remote.Batch) {})
	require.NoError(t, err)

	require.NoError(t, r.srv.Close())

	select {
	case <-sub.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after the server dropped the client")
	}
	assert.True(t, errors.Is(sub.Err(), remote.ErrSubscription))
	assert.False(t, c.Connected())
}

func TestClosedClientRejectsRequests(t *testing.T) {
	r := newRelay(t)
	c := r.client(t, "alice")
	require.NoError(t, c.Close())

	_, err := c.GetSession(context.Background(), "s1")
	assert.ErrorIs(t, err, wsclient.ErrClientClosed)
}
