// Package wire defines the JSON frames exchanged between a websocket client and
// the relay server.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/session"
)

type Op string

const (
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpUpsert      Op = "upsert"
	OpDelete      Op = "delete"
	OpGetSession  Op = "get_session"
	OpBatch       Op = "batch"
	OpAck         Op = "ack"
	OpError       Op = "error"
)

type Code string

const (
	CodeNotFound  Code = "not_found"
	CodeForbidden Code = "forbidden"
	CodeInvalid   Code = "invalid"
	CodeInternal  Code = "internal"
)

// ErrRemote wraps failures the server reported without a more specific code.
var ErrRemote = errors.New("remote error")

// Frame is one websocket message. ID correlates a request with its ack or
// error; for subscriptions it also tags every pushed batch.
type Frame struct {
	Op       Op               `json:"op"`
	ID       string           `json:"id,omitempty"`
	Session  string           `json:"session,omitempty"`
	Record   *record.Record   `json:"record,omitempty"`
	RecordID record.ID        `json:"recordId,omitempty"`
	Changes  remote.Batch     `json:"changes,omitempty"`
	Payload  *session.Session `json:"payload,omitempty"`
	Code     Code             `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// NewRequest stamps a fresh correlation id.
func NewRequest(op Op, sessionID string) Frame {
	return Frame{Op: op, ID: uuid.NewString(), Session: sessionID}
}

func Ack(id string) Frame {
	return Frame{Op: OpAck, ID: id}
}

// Failure builds an error frame, choosing the code from err.
func Failure(id string, err error) Frame {
	return Frame{Op: OpError, ID: id, Code: CodeOf(err), Error: err.Error()}
}

func CodeOf(err error) Code {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, remote.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, record.ErrInvalid), errors.Is(err, ErrMalformed):
		return CodeInvalid
	default:
		return CodeInternal
	}
}

// Err turns an error frame back into an error that matches the sentinel for its
// code. Other frames return nil.
func (f Frame) Err() error {
	if f.Op != OpError {
		return nil
	}
	var base error
	switch f.Code {
	case CodeNotFound:
		base = session.ErrNotFound
	case CodeForbidden:
		base = remote.ErrForbidden
	case CodeInvalid:
		base = record.ErrInvalid
	default:
		base = ErrRemote
	}
	return fmt.Errorf("%w: %s", base, f.Error)
}

var ErrMalformed = errors.New("malformed frame")

// Decode parses a frame. Records carried by upsert frames are checked against
// the record schema before they are decoded.
func Decode(data []byte) (Frame, error) {
	var probe struct {
		Op     Op              `json:"op"`
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if probe.Op == "" {
		return Frame{}, fmt.Errorf("%w: missing op", ErrMalformed)
	}
	if probe.Op == OpUpsert {
		if len(probe.Record) == 0 {
			return Frame{}, fmt.Errorf("%w: upsert without record", ErrMalformed)
		}
		if err := record.ValidateJSON(probe.Record); err != nil {
			return Frame{}, err
		}
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}
