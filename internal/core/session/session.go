// Package session loads canvas session metadata and decides which client is
// the session host.
package session

import (
	"context"
	"sync/atomic"

	"github.com/zeusync/canvassync/internal/core/observability/log"
)

// Session is a collaborative canvas. OwnerID never changes once created.
type Session struct {
	ID      string         `json:"id" yaml:"id" db:"id" validate:"required"`
	OwnerID string         `json:"ownerId" yaml:"ownerId" db:"owner_id" validate:"required"`
	Config  map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Getter fetches a session document. It returns ErrNotFound when no document
// exists for id.
type Getter interface {
	GetSession(ctx context.Context, id string) (Session, error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, id string) (Session, error)

func (f GetterFunc) GetSession(ctx context.Context, id string) (Session, error) {
	return f(ctx, id)
}

// Loader wraps a Getter with a loading flag.
type Loader struct {
	getter  Getter
	logger  log.Log
	loading atomic.Int32
}

func NewLoader(getter Getter, logger log.Log) *Loader {
	return &Loader{getter: getter, logger: logger.With(log.String("component", "session_loader"))}
}

// Load fetches the session. A missing session yields (nil, ErrNotFound) and
// must stop synchronization from starting.
func (l *Loader) Load(ctx context.Context, id string) (*Session, error) {
	l.loading.Add(1)
	defer l.loading.Add(-1)

	if id == "" {
		return nil, ErrNotFound
	}

	s, err := l.getter.GetSession(ctx, id)
	if err != nil {
		l.logger.Warn("Session load failed", log.String("session_id", id), log.Error(err))
		return nil, err
	}
	l.logger.Debug("Session loaded", log.String("session_id", id), log.String("owner_id", s.OwnerID))
	return &s, nil
}

// IsLoading reports whether a Load call is in flight.
func (l *Loader) IsLoading() bool {
	return l.loading.Load() > 0
}
