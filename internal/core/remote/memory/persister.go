package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/session"
)

// Persister is the durable side of a Hub. sqlstore.Store implements it over
// SQL; NewPersister keeps everything in memory.
type Persister interface {
	GetSession(ctx context.Context, id string) (session.Session, error)
	PutSession(ctx context.Context, s session.Session) error
	LoadRecords(ctx context.Context, sessionID string) ([]record.Record, error)
	SaveRecord(ctx context.Context, sessionID string, rec record.Record) error
	DeleteRecord(ctx context.Context, sessionID string, id record.ID) error
}

type mapPersister struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
	records  map[string]map[record.ID]record.Record
}

// NewPersister returns a Persister that lives only as long as the process.
func NewPersister() Persister {
	return &mapPersister{
		sessions: make(map[string]session.Session),
		records:  make(map[string]map[record.ID]record.Record),
	}
}

func (p *mapPersister) GetSession(_ context.Context, id string) (session.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	return s, nil
}

func (p *mapPersister) PutSession(_ context.Context, s session.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[s.ID] = s
	return nil
}

func (p *mapPersister) LoadRecords(_ context.Context, sessionID string) ([]record.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]record.Record, 0, len(p.records[sessionID]))
	for _, rec := range p.records[sessionID] {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *mapPersister) SaveRecord(_ context.Context, sessionID string, rec record.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.records[sessionID] == nil {
		p.records[sessionID] = make(map[record.ID]record.Record)
	}
	p.records[sessionID][rec.ID] = rec.Clone()
	return nil
}

func (p *mapPersister) DeleteRecord(_ context.Context, sessionID string, id record.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records[sessionID], id)
	return nil
}
