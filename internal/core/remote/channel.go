// Package remote defines the channel between a client and the shared,
// multi-writer record store backing a canvas session.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zeusync/canvassync/internal/core/record"
)

type ChangeKind string

const (
	KindAdded    ChangeKind = "added"
	KindModified ChangeKind = "modified"
	KindRemoved  ChangeKind = "removed"
)

// Change is one entry of a pushed batch. For KindRemoved only Record.ID is
// meaningful.
type Change struct {
	Kind   ChangeKind    `json:"kind"`
	Record record.Record `json:"record"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s(%s)", c.Kind, c.Record.ID)
}

// Batch is delivered whenever the session's records change. The first batch of
// a subscription is the current snapshot, as KindAdded changes.
type Batch []Change

// BatchHandler receives batches in arrival order, one at a time.
type BatchHandler func(Batch)

// Channel is the point-write plus push-subscription interface to the remote
// store. Delivery is at-least-once; changes to the same record id arrive in
// write order.
type Channel interface {
	Subscribe(ctx context.Context, sessionID string, onBatch BatchHandler) (Subscription, error)
	Upsert(ctx context.Context, sessionID string, rec record.Record) error
	Delete(ctx context.Context, sessionID string, id record.ID) error
}

// Subscription is a live push stream.
type Subscription interface {
	// Unsubscribe stops the stream. It is idempotent, and no handler call starts
	// after it returns.
	Unsubscribe()
	// Done is closed when the stream ends, by Unsubscribe or by failure.
	Done() <-chan struct{}
	// Err is nil while running or after Unsubscribe, and wraps ErrSubscription
	// when the stream broke.
	Err() error
}

// Removal builds a KindRemoved change for id.
func Removal(id record.ID) Change {
	return Change{Kind: KindRemoved, Record: record.Record{ID: id}}
}

// MarshalJSON encodes removals as {kind, id}.
func (c Change) MarshalJSON() ([]byte, error) {
	if c.Kind == KindRemoved {
		return json.Marshal(struct {
			Kind ChangeKind `json:"kind"`
			ID   record.ID  `json:"id"`
		}{c.Kind, c.Record.ID})
	}
	type plain Change
	return json.Marshal(plain(c))
}

func (c *Change) UnmarshalJSON(data []byte) error {
	var head struct {
		Kind   ChangeKind      `json:"kind"`
		ID     record.ID       `json:"id"`
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	if head.Kind == KindRemoved && len(head.Record) == 0 {
		*c = Removal(head.ID)
		return nil
	}
	var rec record.Record
	if len(head.Record) > 0 {
		if err := json.Unmarshal(head.Record, &rec); err != nil {
			return err
		}
	}
	*c = Change{Kind: head.Kind, Record: rec}
	return nil
}
