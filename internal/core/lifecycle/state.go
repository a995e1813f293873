package lifecycle

import "github.com/zeusync/canvassync/internal/core/session"

type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusConnecting
	StatusLive
	// StatusDegraded means the subscription is being retried.
	StatusDegraded
	StatusNotFound
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusDegraded:
		return "degraded"
	case StatusNotFound:
		return "not_found"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of the controller for presentation.
type State struct {
	SessionID string
	Session   *session.Session
	IsLoading bool
	IsHost    bool
	Status    Status
	// Err is the last setup, subscription or write error.
	Err error
	// FailedWrites counts writes abandoned after retries.
	FailedWrites int
}
