// Package diff turns local document changes into remote writes.
package diff

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/zeusync/canvassync/internal/core/debounce"
	"github.com/zeusync/canvassync/internal/core/document"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/session"
)

// Sink accepts outbound writes. Implementations must not block.
type Sink interface {
	Upsert(rec record.Record)
	Delete(id record.ID)
}

type Config struct {
	Identity string
	Session  *session.Session
	Interval time.Duration
	Clock    clock.Clock
}

// Processor writes local changes through a Sink when the local identity hosts
// the session. Additions and removals go out at once; updates are debounced
// per record id.
type Processor struct {
	identity string
	session  *session.Session
	sink     Sink
	logger   log.Log

	debounce *debounce.Manager[record.ID, record.Record]

	// Guards tombstones and orders removals against in-flight debounce fires.
	// A tombstone lives from a local removal until the id is edited again.
	mu         sync.Mutex
	tombstones map[record.ID]struct{}
}

func New(config Config, sink Sink, logger log.Log) *Processor {
	p := &Processor{
		identity:   config.Identity,
		session:    config.Session,
		sink:       sink,
		tombstones: make(map[record.ID]struct{}),
	}
	p.logger = logger.With(log.String("component", "diff"))
	if config.Session != nil {
		p.logger = p.logger.With(log.String("session_id", config.Session.ID))
	}
	p.debounce = debounce.New(config.Interval, config.Clock, p.fire)
	return p
}

// Attach listens to local changes of store. The returned function detaches.
func (p *Processor) Attach(store *document.Store) func() {
	return store.Listen(p.Handle, document.OnlyOrigin(document.OriginLocal))
}

// Handle processes one change. Remote changes are ignored so mirrored state is
// never written back.
func (p *Processor) Handle(c document.Change) {
	if c.Origin != document.OriginLocal {
		return
	}

	switch c.Kind {
	case document.Added:
		if c.After == nil {
			return
		}
		p.mu.Lock()
		delete(p.tombstones, c.ID)
		p.mu.Unlock()
		if p.isHost() {
			p.sink.Upsert(*c.After)
		}
	case document.Updated:
		if c.After == nil {
			return
		}
		// A local update proves the record exists again, whether it came back
		// through a local create or a remote snapshot.
		p.mu.Lock()
		delete(p.tombstones, c.ID)
		p.debounce.Schedule(c.ID, *c.After)
		p.mu.Unlock()
	case document.Removed:
		p.mu.Lock()
		p.tombstones[c.ID] = struct{}{}
		cancelled := p.debounce.Cancel(c.ID)
		p.mu.Unlock()
		if cancelled {
			p.logger.Debug("Pending update dropped by removal", log.String("record_id", string(c.ID)))
		}
		if p.isHost() {
			p.sink.Delete(c.ID)
		}
	}
}

// Flush sends the pending update for id now.
func (p *Processor) Flush(id record.ID) bool {
	return p.debounce.Flush(id)
}

// FlushAll sends every pending update now and returns how many were pending.
func (p *Processor) FlushAll() int {
	n := p.debounce.FlushAll()
	if n > 0 {
		p.logger.Debug("Flushed pending updates", log.Int("count", n))
	}
	return n
}

// Pending returns the number of debounced updates not yet sent.
func (p *Processor) Pending() int {
	return p.debounce.Pending()
}

// IsPending reports whether an update for id is waiting to be sent.
func (p *Processor) IsPending(id record.ID) bool {
	return p.debounce.IsPending(id)
}

func (p *Processor) IsHost() bool {
	return p.isHost()
}

func (p *Processor) isHost() bool {
	return session.IsHost(p.identity, p.session)
}

// fire is the debounce callback. Host status is checked here, at send time.
func (p *Processor) fire(id record.ID, rec record.Record) {
	if !p.isHost() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, removed := p.tombstones[id]; removed {
		return
	}
	p.sink.Upsert(rec)
}
