// Package memory implements remote.Channel in process. A Hub fans record
// changes out to every subscriber of a session and writes them through to a
// Persister. The relay server exposes a Hub over websockets; tests use it
// directly as the shared backend for several clients.
package memory

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/zeusync/canvassync/internal/core/events/bus"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/session"
)

var (
	_ remote.Channel = (*Hub)(nil)
	_ session.Getter = (*Hub)(nil)
)

const batchEvent = "records.batch"

type room struct {
	mu     sync.Mutex
	loaded bool
	// Live subscriptions; the session's bus topic is dropped at zero.
	subs    int
	records map[record.ID]record.Record
}

type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room

	bus       bus.EventBus
	persister Persister
	logger    log.Log
}

type HubStats struct {
	Sessions int
	// Topics counts sessions that currently have a bus topic.
	Topics            int
	Subscribers       int
	BatchesPublished  uint64
	HandlersDelivered uint64
}

type countingObserver struct{}

func (countingObserver) OnPublish(string, string, bus.Event) {}

func (countingObserver) OnDelivered(string, string, int, error, int64) {}

// NewHub creates a hub. A nil persister keeps state in memory only.
func NewHub(persister Persister, logger log.Log) *Hub {
	if persister == nil {
		persister = NewPersister()
	}
	b := bus.New()
	b.AddObserver(countingObserver{})
	return &Hub{
		rooms:     make(map[string]*room),
		bus:       b,
		persister: persister,
		logger:    logger.With(log.String("component", "hub")),
	}
}

func (h *Hub) GetSession(ctx context.Context, id string) (session.Session, error) {
	return h.persister.GetSession(ctx, id)
}

// CreateSession stores s. The owner of an existing session cannot change.
func (h *Hub) CreateSession(ctx context.Context, s session.Session) error {
	existing, err := h.persister.GetSession(ctx, s.ID)
	switch {
	case err == nil && existing.OwnerID != s.OwnerID:
		return errors.Wrapf(ErrOwnerImmutable, "session %s", s.ID)
	case err != nil && !errors.Is(err, session.ErrNotFound):
		return err
	}
	return h.persister.PutSession(ctx, s)
}

func (h *Hub) Subscribe(ctx context.Context, sessionID string, onBatch remote.BatchHandler) (remote.Subscription, error) {
	r, err := h.room(ctx, sessionID)
	if err != nil {
		return nil, remote.Wrap(remote.ErrSubscription, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var busSub bus.Subscription
	stream := remote.NewStream(onBatch, func() {
		if busSub == nil {
			return
		}
		_ = busSub.Cancel()
		h.release(sessionID, r)
	})

	snapshot := make(remote.Batch, 0, len(r.records))
	for _, rec := range sortedRecords(r.records) {
		snapshot = append(snapshot, remote.Change{Kind: remote.KindAdded, Record: rec})
	}
	stream.Deliver(snapshot)

	busSub, err = h.bus.SubscribeTopic(sessionID, batchEvent, func(e bus.Event) error {
		if b, ok := e.Data().(remote.Batch); ok {
			stream.Deliver(b)
		}
		return nil
	})
	if err != nil {
		stream.Unsubscribe()
		return nil, remote.Wrap(remote.ErrSubscription, err)
	}
	r.subs++

	h.logger.Debug("Subscribed", log.String("session_id", sessionID), log.Int("snapshot", len(snapshot)))
	return stream, nil
}

func (h *Hub) Upsert(ctx context.Context, sessionID string, rec record.Record) error {
	if err := rec.Validate(); err != nil {
		return remote.Wrap(remote.ErrWriteFailure, err)
	}
	r, err := h.room(ctx, sessionID)
	if err != nil {
		return remote.Wrap(remote.ErrWriteFailure, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.records[rec.ID]
	if existed && record.Equal(prev, rec) {
		return nil
	}
	if err := h.persister.SaveRecord(ctx, sessionID, rec); err != nil {
		return remote.Wrap(remote.ErrWriteFailure, err)
	}
	r.records[rec.ID] = rec.Clone()

	kind := remote.KindAdded
	if existed {
		kind = remote.KindModified
	}
	h.publish(sessionID, remote.Batch{{Kind: kind, Record: rec.Clone()}})
	return nil
}

func (h *Hub) Delete(ctx context.Context, sessionID string, id record.ID) error {
	r, err := h.room(ctx, sessionID)
	if err != nil {
		return remote.Wrap(remote.ErrWriteFailure, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return nil
	}
	if err := h.persister.DeleteRecord(ctx, sessionID, id); err != nil {
		return remote.Wrap(remote.ErrWriteFailure, err)
	}
	delete(r.records, id)
	h.publish(sessionID, remote.Batch{remote.Removal(id)})
	return nil
}

// Records returns the hub's current view of a session.
func (h *Hub) Records(ctx context.Context, sessionID string) ([]record.Record, error) {
	r, err := h.room(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedRecords(r.records), nil
}

func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	sessions := len(h.rooms)
	h.mu.Unlock()

	stats := HubStats{Sessions: sessions}
	for _, ti := range h.bus.GetTopics() {
		if ti.Name != "" {
			stats.Topics++
			stats.Subscribers += ti.Subs
		}
	}
	m := h.bus.GetMetrics()
	stats.BatchesPublished = m.Published
	stats.HandlersDelivered = m.DeliveredHandlers
	return stats
}

// room returns the session's room, loading records from the persister on first
// use. The session must exist.
func (h *Hub) room(ctx context.Context, sessionID string) (*room, error) {
	h.mu.Lock()
	r, ok := h.rooms[sessionID]
	if !ok {
		r = &room{records: make(map[record.ID]record.Record)}
		h.rooms[sessionID] = r
	}
	h.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r, nil
	}
	if _, err := h.persister.GetSession(ctx, sessionID); err != nil {
		h.mu.Lock()
		delete(h.rooms, sessionID)
		h.mu.Unlock()
		return nil, err
	}
	records, err := h.persister.LoadRecords(ctx, sessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "load records of %s", sessionID)
	}
	for _, rec := range records {
		r.records[rec.ID] = rec
	}
	if err := h.bus.CreateTopic(sessionID); err != nil {
		return nil, errors.Wrapf(err, "topic for %s", sessionID)
	}
	r.loaded = true
	return r, nil
}

// release drops the session's topic once its last subscriber has left. The
// room and its records stay cached.
func (h *Hub) release(sessionID string, r *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs--; r.subs > 0 {
		return
	}
	if err := h.bus.DeleteTopic(sessionID); err != nil {
		h.logger.Warn("Topic cleanup failed", log.String("session_id", sessionID), log.Error(err))
		return
	}
	h.logger.Debug("Last subscriber left", log.String("session_id", sessionID))
}

func (h *Hub) publish(sessionID string, b remote.Batch) {
	if err := h.bus.PublishToTopic(sessionID, bus.NewEvent(batchEvent, "hub", b, nil)); err != nil {
		h.logger.Error("Batch delivery failed", log.String("session_id", sessionID), log.Error(err))
	}
}
