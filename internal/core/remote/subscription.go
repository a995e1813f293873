package remote

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var _ Subscription = (*Stream)(nil)

// Stream is the Subscription implementation shared by transports. Transports
// push batches through Deliver so the Unsubscribe guarantee holds in one place.
//
// The handler must not call Unsubscribe synchronously; Unsubscribe waits for an
// in-flight delivery to return.
type Stream struct {
	deliverMu sync.Mutex
	closed    atomic.Bool
	handler   BatchHandler

	errMu sync.Mutex
	err   error

	once    sync.Once
	done    chan struct{}
	onClose func()
}

// NewStream wraps handler. onClose runs once when the stream ends for any
// reason; transports use it to release their side of the subscription.
func NewStream(handler BatchHandler, onClose func()) *Stream {
	return &Stream{handler: handler, done: make(chan struct{}), onClose: onClose}
}

// Deliver hands b to the handler unless the stream has ended. Concurrent
// deliveries are serialized.
func (s *Stream) Deliver(b Batch) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.handler(b)
	return true
}

func (s *Stream) Unsubscribe() {
	s.finish(nil)
	// Barrier: any delivery that passed the closed check has returned.
	s.deliverMu.Lock()
	s.deliverMu.Unlock()
}

// Fail ends the stream with cause, which Err reports wrapped in
// ErrSubscription.
func (s *Stream) Fail(cause error) {
	if cause == nil {
		cause = errors.New("stream closed by peer")
	}
	s.finish(errors.Wrap(ErrSubscription, cause.Error()))
}

func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) finish(err error) {
	s.once.Do(func() {
		s.closed.Store(true)
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}
