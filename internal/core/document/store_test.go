package document

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
)

func box(id record.ID, x, y float64) record.Record {
	return record.New(id, x, y, record.BoxProps{W: 10, H: 10})
}

func collect(s *Store, filters ...Filter) (*[]Change, func()) {
	var got []Change
	stop := s.Listen(func(c Change) { got = append(got, c) }, filters...)
	return &got, stop
}

func TestPutIsIdempotent(t *testing.T) {
	s := New(log.NewNop())
	changes, stop := collect(s)
	defer stop()

	rec := box("shape:1", 10, 20)
	assert.Equal(t, 1, s.Put(rec))
	first := s.All()
	assert.Equal(t, 0, s.Put(rec))

	assert.Equal(t, first, s.All())
	require.Len(t, *changes, 1)
	assert.Equal(t, Added, (*changes)[0].Kind)
	assert.Equal(t, OriginRemote, (*changes)[0].Origin)
}

func TestPutModifiedRecordEmitsRemoteUpdate(t *testing.T) {
	s := New(log.NewNop())
	s.Put(box("shape:1", 0, 0))
	changes, stop := collect(s)
	defer stop()

	s.Put(box("shape:1", 10, 20))

	got, ok := s.Get("shape:1")
	require.True(t, ok)
	assert.Equal(t, 10.0, got.X)
	assert.Equal(t, 20.0, got.Y)
	require.Len(t, *changes, 1)
	c := (*changes)[0]
	assert.Equal(t, Updated, c.Kind)
	assert.Equal(t, OriginRemote, c.Origin)
	assert.Equal(t, 0.0, c.Before.X)
	assert.Equal(t, 10.0, c.After.X)
}

func TestRemoteChangesNeverReachLocalListeners(t *testing.T) {
	s := New(log.NewNop())
	local, stop := collect(s, OnlyOrigin(OriginLocal))
	defer stop()

	s.Put(box("shape:1", 0, 0), box("shape:2", 0, 0))
	s.Put(box("shape:1", 5, 5))
	s.Remove("shape:2", "shape:missing")
	assert.Empty(t, *local)

	require.NoError(t, s.Update(box("shape:1", 6, 6)))
	require.Len(t, *local, 1)
	assert.Equal(t, OriginLocal, (*local)[0].Origin)
}

func TestLocalEditingSurface(t *testing.T) {
	s := New(log.NewNop())
	changes, stop := collect(s)
	defer stop()

	require.NoError(t, s.Create(box("shape:1", 0, 0)))
	assert.ErrorIs(t, s.Create(box("shape:1", 0, 0)), ErrExists)
	require.NoError(t, s.Update(box("shape:1", 1, 1)))
	require.NoError(t, s.Update(box("shape:1", 1, 1)))
	assert.ErrorIs(t, s.Update(box("shape:2", 1, 1)), ErrNotFound)
	require.NoError(t, s.Delete("shape:1"))
	assert.ErrorIs(t, s.Delete("shape:1"), ErrNotFound)

	kinds := make([]ChangeKind, 0, len(*changes))
	for _, c := range *changes {
		assert.Equal(t, OriginLocal, c.Origin)
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []ChangeKind{Added, Updated, Removed}, kinds)
	assert.Equal(t, 0, s.Len())
}

func TestLocalEditsKeepTheirKindUnderRemoteRaces(t *testing.T) {
	s := New(log.NewNop())
	local, stop := collect(s, OnlyOrigin(OriginLocal))
	defer stop()

	const n = 200
	var created, updated int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := record.ID(fmt.Sprintf("shape:%d", i))
		wg.Add(3)
		go func() {
			defer wg.Done()
			s.Put(box(id, 1, 0))
		}()
		go func() {
			defer wg.Done()
			err := s.Create(box(id, 2, 0))
			if err == nil {
				mu.Lock()
				created++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrExists), "create: %v", err)
		}()
		go func() {
			defer wg.Done()
			err := s.Update(box(id, 3, 0))
			if err == nil {
				mu.Lock()
				updated++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrNotFound), "update: %v", err)
		}()
	}
	wg.Wait()

	var added, modified int
	for _, c := range *local {
		switch c.Kind {
		case Added:
			added++
			assert.Nil(t, c.Before)
		case Updated:
			modified++
			assert.NotNil(t, c.Before)
		}
	}
	assert.Equal(t, created, added)
	// Content-equal updates emit nothing, so events never exceed successes.
	assert.LessOrEqual(t, modified, updated)
	assert.Equal(t, n, s.Len())
}

func TestInvalidRecordsRejected(t *testing.T) {
	s := New(log.NewNop())
	assert.Equal(t, 0, s.Put(record.Record{Type: record.KindBox}))
	assert.ErrorIs(t, s.Create(record.Record{Type: record.KindBox}), record.ErrEmptyID)
}

func TestStoredRecordsAreIsolatedFromCallers(t *testing.T) {
	s := New(log.NewNop())
	rec := record.Record{ID: "s1", Type: "sticky", Props: record.ExtensionProps{Type: "sticky", Fields: map[string]any{"k": "v"}}}
	s.Put(rec)
	rec.Props.(record.ExtensionProps).Fields["k"] = "changed"

	got, _ := s.Get("s1")
	assert.Equal(t, "v", got.Props.(record.ExtensionProps).Fields["k"])
}

func TestUnlistenIsIdempotent(t *testing.T) {
	s := New(log.NewNop())
	changes, stop := collect(s)
	stop()
	stop()
	s.Put(box("shape:1", 0, 0))
	assert.Empty(t, *changes)
}

func TestWaitReady(t *testing.T) {
	s := New(log.NewNop())

	err := s.WaitReady(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrStoreNotReady)

	go s.MarkReady()
	assert.NoError(t, s.WaitReady(context.Background(), time.Second))
	s.MarkReady()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.WaitReady(ctx, 0), "already ready wins over a cancelled context")
}
