// Package document holds the local, in-memory copy of a session's records and
// the change stream the sync engine listens to.
package document

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/canvassync/internal/core/events/bus"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
)

var changeKinds = []ChangeKind{Added, Updated, Removed}

// Store is the authoritative local cache for one open session.
//
// Put and Remove mirror remote state and emit OriginRemote changes; Create,
// Update and Delete are the editing surface and emit OriginLocal changes.
// Listeners run synchronously after the mutation is visible and must not
// mutate the store from inside the callback.
type Store struct {
	mu      sync.RWMutex
	emitMu  sync.Mutex
	records map[record.ID]record.Record

	bus    bus.EventBus
	logger log.Log

	ready     chan struct{}
	readyOnce sync.Once
}

func New(logger log.Log) *Store {
	return &Store{
		records: make(map[record.ID]record.Record),
		bus:     bus.New(),
		logger:  logger.With(log.String("component", "document")),
		ready:   make(chan struct{}),
	}
}

// MarkReady resolves the readiness future. Later calls are no-ops.
func (s *Store) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// Ready is closed once the editing surface has finished initializing.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until the store is ready, ctx is done, or timeout elapses.
// A non-positive timeout waits on ctx alone.
func (s *Store) WaitReady(ctx context.Context, timeout time.Duration) error {
	select {
	case <-s.ready:
		return nil
	default:
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ErrStoreNotReady, ctx.Err().Error())
	}
}

// Put mirrors remote records. Content-equal records are skipped, so applying
// the same record twice has the effect of applying it once. It returns the
// number of records that changed the store.
func (s *Store) Put(records ...record.Record) int {
	applied := 0
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			s.logger.Warn("Dropping invalid remote record", log.String("record_id", string(rec.ID)), log.Error(err))
			continue
		}
		if changed, _ := s.upsert(rec, OriginRemote, anyPresence); changed {
			applied++
		}
	}
	return applied
}

// Remove mirrors remote deletions. Absent ids are ignored.
func (s *Store) Remove(ids ...record.ID) int {
	removed := 0
	for _, id := range ids {
		if s.remove(id, OriginRemote) {
			removed++
		}
	}
	return removed
}

// Create adds a record on behalf of the local user.
func (s *Store) Create(rec record.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, err := s.upsert(rec, OriginLocal, mustBeAbsent); err != nil {
		return errors.Wrapf(err, "create %s", rec.ID)
	}
	return nil
}

// Update replaces a record on behalf of the local user. An update that does not
// change content emits nothing.
func (s *Store) Update(rec record.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, err := s.upsert(rec, OriginLocal, mustExist); err != nil {
		return errors.Wrapf(err, "update %s", rec.ID)
	}
	return nil
}

// Delete removes a record on behalf of the local user.
func (s *Store) Delete(id record.ID) error {
	if !s.remove(id, OriginLocal) {
		return errors.Wrapf(ErrNotFound, "delete %s", id)
	}
	return nil
}

func (s *Store) Get(id record.ID) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return record.Record{}, false
	}
	return rec.Clone(), true
}

// All returns every record ordered by id.
func (s *Store) All() []record.Record {
	s.mu.RLock()
	out := make([]record.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Listen subscribes handler to the change stream. Changes rejected by any
// filter are not delivered. The returned function detaches the handler and is
// safe to call more than once.
func (s *Store) Listen(handler Handler, filters ...Filter) func() {
	subs := make([]bus.Subscription, 0, len(changeKinds))
	for _, kind := range changeKinds {
		sub, err := s.bus.Subscribe(kind.eventType(), func(e bus.Event) error {
			c, ok := e.Data().(Change)
			if !ok {
				return nil
			}
			for _, f := range filters {
				if !f(c) {
					return nil
				}
			}
			handler(c)
			return nil
		})
		if err != nil {
			s.logger.Error("Listen failed", log.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	return func() {
		for _, sub := range subs {
			_ = s.bus.Unsubscribe(sub)
		}
	}
}

// presence is what upsert requires of the existing record.
type presence uint8

const (
	anyPresence presence = iota
	mustExist
	mustBeAbsent
)

func (s *Store) upsert(rec record.Record, origin Origin, want presence) (bool, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	rec = rec.Clone()
	s.mu.Lock()
	prev, existed := s.records[rec.ID]
	switch {
	case want == mustExist && !existed:
		s.mu.Unlock()
		return false, ErrNotFound
	case want == mustBeAbsent && existed:
		s.mu.Unlock()
		return false, ErrExists
	case existed && record.Equal(prev, rec):
		s.mu.Unlock()
		return false, nil
	}
	s.records[rec.ID] = rec
	s.mu.Unlock()

	after := rec.Clone()
	c := Change{Kind: Added, Origin: origin, ID: rec.ID, After: &after}
	if existed {
		c.Kind = Updated
		c.Before = &prev
	}
	s.emit(c)
	return true, nil
}

func (s *Store) remove(id record.ID, origin Origin) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	prev, existed := s.records[id]
	if existed {
		delete(s.records, id)
	}
	s.mu.Unlock()
	if !existed {
		return false
	}
	s.emit(Change{Kind: Removed, Origin: origin, ID: id, Before: &prev})
	return true
}

func (s *Store) emit(c Change) {
	if err := s.bus.Publish(bus.NewEvent(c.Kind.eventType(), c.Origin.String(), c, nil)); err != nil {
		s.logger.Error("Change listener failed", log.String("record_id", string(c.ID)), log.Error(err))
	}
}
