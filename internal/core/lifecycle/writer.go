package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/zeusync/canvassync/internal/core/diff"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/pkg/sequence"
)

var _ diff.Sink = (*Writer)(nil)

type writeOp uint8

const (
	opUpsert writeOp = iota + 1
	opDelete
)

func (o writeOp) String() string {
	if o == opDelete {
		return "delete"
	}
	return "upsert"
}

type write struct {
	op  writeOp
	id  record.ID
	rec record.Record
}

// WriteFailure reports a write that was abandoned.
type WriteFailure struct {
	SessionID string
	Op        string
	RecordID  record.ID
	Attempts  int
	Err       error
}

func (f WriteFailure) Error() string {
	return fmt.Sprintf("%s %s in %s failed after %d attempt(s): %v", f.Op, f.RecordID, f.SessionID, f.Attempts, f.Err)
}

func (f WriteFailure) Unwrap() error { return f.Err }

// Writer sends queued writes to the channel one at a time, in enqueue order.
// Enqueueing never blocks.
type Writer struct {
	channel   remote.Channel
	sessionID string
	policy    RetryPolicy
	clock     clock.Clock
	onFailure func(WriteFailure)
	logger    log.Log

	mu      sync.Mutex
	queue   *sequence.Queue[write]
	pending int
	// Writes queued or in flight per record id.
	ids    map[record.ID]int
	idle   chan struct{}
	closed bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWriter(channel remote.Channel, sessionID string, policy RetryPolicy, clk clock.Clock, onFailure func(WriteFailure), logger log.Log) *Writer {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		channel:   channel,
		sessionID: sessionID,
		policy:    policy,
		clock:     clk,
		onFailure: onFailure,
		logger:    logger.With(log.String("component", "writer"), log.String("session_id", sessionID)),
		queue:     sequence.NewQueue[write](64),
		ids:       make(map[record.ID]int),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) Upsert(rec record.Record) {
	w.enqueue(write{op: opUpsert, id: rec.ID, rec: rec.Clone()})
}

func (w *Writer) Delete(id record.ID) {
	w.enqueue(write{op: opDelete, id: id})
}

// Pending returns the number of writes queued or in flight.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Has reports whether a write for id is queued or in flight.
func (w *Writer) Has(id record.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ids[id] > 0
}

// Drain waits until every write enqueued so far has completed or been
// abandoned.
func (w *Writer) Drain(ctx context.Context) error {
	w.mu.Lock()
	if w.pending == 0 {
		w.mu.Unlock()
		return nil
	}
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %d write(s) outstanding", ErrDrainTimeout, w.Pending())
	}
}

// Close stops the writer. Writes still queued are dropped.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	dropped := w.queue.Len()
	w.mu.Unlock()

	w.cancel()
	<-w.done
	if dropped > 0 {
		w.logger.Warn("Writer closed with queued writes", log.Int("dropped", dropped))
	}
}

func (w *Writer) enqueue(wr write) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn("Write after close dropped", log.String("record_id", string(wr.id)), log.Error(ErrWriterClosed))
		return
	}
	if w.pending == 0 {
		w.idle = make(chan struct{})
	}
	w.pending++
	w.ids[wr.id]++
	w.queue.Enqueue(wr)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Writer) next() (write, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queue.Dequeue()
}

func (w *Writer) complete(id record.ID) {
	w.mu.Lock()
	if w.ids[id]--; w.ids[id] <= 0 {
		delete(w.ids, id)
	}
	w.pending--
	if w.pending == 0 {
		close(w.idle)
	}
	w.mu.Unlock()
}

func (w *Writer) run() {
	defer func() {
		w.mu.Lock()
		w.queue.Clear()
		w.ids = make(map[record.ID]int)
		if w.pending > 0 {
			w.pending = 0
			close(w.idle)
		}
		w.mu.Unlock()
		close(w.done)
	}()
	for {
		wr, ok := w.next()
		if !ok {
			select {
			case <-w.wake:
				continue
			case <-w.ctx.Done():
				return
			}
		}
		w.execute(wr)
		w.complete(wr.id)
		if w.ctx.Err() != nil {
			return
		}
	}
}

func (w *Writer) execute(wr write) {
	attempts, err := w.policy.retry(w.ctx, w.clock, func() error {
		err := w.send(wr)
		if errors.Is(err, remote.ErrForbidden) {
			return backoff.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		w.logger.Warn("Write failed",
			log.String("op", wr.op.String()),
			log.String("record_id", string(wr.id)),
			log.Int("attempt", attempt),
			log.Error(err))
	})
	if err == nil {
		return
	}

	failure := WriteFailure{
		SessionID: w.sessionID,
		Op:        wr.op.String(),
		RecordID:  wr.id,
		Attempts:  attempts,
		Err:       remote.Wrap(remote.ErrWriteFailure, err),
	}
	w.logger.Error("Write abandoned", log.String("op", failure.Op), log.String("record_id", string(wr.id)), log.Int("attempts", attempts), log.Error(err))
	if w.onFailure != nil {
		w.onFailure(failure)
	}
}

func (w *Writer) send(wr write) error {
	switch wr.op {
	case opDelete:
		return w.channel.Delete(w.ctx, w.sessionID, wr.id)
	default:
		return w.channel.Upsert(w.ctx, w.sessionID, wr.rec)
	}
}
