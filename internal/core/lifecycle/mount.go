package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"

	"github.com/zeusync/canvassync/internal/core/diff"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/session"
)

// Mount is one session's synchronization, from setup to teardown. The debounce
// state and the outbound writer belong to the mount and die with it.
type Mount struct {
	c         *Controller
	sessionID string
	logger    log.Log

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	setup    chan struct{}
	setupErr error

	mu        sync.Mutex
	sub       remote.Subscription
	processor *diff.Processor
	writer    *Writer
	detach    func()
	// resynced is set on resubscription; the next snapshot reconciles removals
	// missed while the stream was down.
	resynced bool

	// lost is set when resubscription gave up after a drop.
	lost         atomic.Bool
	closed       atomic.Bool
	teardownOnce sync.Once
	done         chan struct{}
}

func newMount(c *Controller, sessionID string) *Mount {
	ctx, cancel := context.WithCancel(context.Background())
	return &Mount{
		c:         c,
		sessionID: sessionID,
		logger:    c.logger.With(log.String("session_id", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
		setup:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (m *Mount) SessionID() string { return m.sessionID }

// Setup is closed once setup has finished, successfully or not.
func (m *Mount) Setup() <-chan struct{} { return m.setup }

// Err returns the setup error. It is only meaningful after Setup is closed.
func (m *Mount) Err() error {
	<-m.setup
	return m.setupErr
}

// Done is closed when teardown has completed.
func (m *Mount) Done() <-chan struct{} { return m.done }

// FlushPending sends every debounced update now. It returns 0 for guests.
func (m *Mount) FlushPending() int {
	m.mu.Lock()
	p := m.processor
	m.mu.Unlock()
	if p == nil {
		return 0
	}
	return p.FlushAll()
}

// Drain waits for the outbound writer to go idle.
func (m *Mount) Drain(ctx context.Context) error {
	m.mu.Lock()
	w := m.writer
	m.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Drain(ctx)
}

// healthy reports whether m is still setting up or live. A mount that failed
// for good is replaced when its session is mounted again.
func (m *Mount) healthy() bool {
	select {
	case <-m.setup:
	default:
		return true
	}
	return m.setupErr == nil && !m.lost.Load()
}

func (m *Mount) start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.run()
		m.setupErr = err
		close(m.setup)
		if err != nil {
			return
		}
		m.watch()
	}()
}

func (m *Mount) run() error {
	cfg := m.c.config
	m.c.update(m, func(s *State) { s.Status = StatusLoading })

	sess, err := m.c.loader.Load(m.ctx, m.sessionID)
	if err != nil {
		status := StatusFailed
		if errors.Is(err, session.ErrNotFound) {
			status = StatusNotFound
			m.logger.Info("Session not found, not synchronizing")
		}
		m.c.update(m, func(s *State) { s.Status, s.Err = status, err })
		return err
	}
	isHost := session.IsHost(cfg.Identity, sess)
	m.c.update(m, func(s *State) {
		s.Session, s.IsHost, s.Status = sess, isHost, StatusConnecting
	})

	if err := m.c.store.WaitReady(m.ctx, cfg.ReadyTimeout); err != nil {
		m.logger.Error("Document not ready", log.Error(err))
		m.c.update(m, func(s *State) { s.Status, s.Err = StatusFailed, err })
		return err
	}

	if err := m.subscribe(); err != nil {
		return err
	}

	if isHost {
		w := NewWriter(m.c.channel, m.sessionID, cfg.WriteRetry, cfg.Clock, m.writeFailed, m.logger)
		p := diff.New(diff.Config{
			Identity: cfg.Identity,
			Session:  sess,
			Interval: cfg.DebounceInterval,
			Clock:    cfg.Clock,
		}, w, m.logger)
		m.mu.Lock()
		m.writer, m.processor = w, p
		if !m.closed.Load() {
			m.detach = p.Attach(m.c.store)
		}
		m.mu.Unlock()
	}

	m.c.update(m, func(s *State) { s.Status, s.Err = StatusLive, nil })
	m.logger.Info("Session mounted", log.Bool("host", isHost))
	return nil
}

// subscribe opens the record stream, retrying with backoff. The state is
// degraded while retrying.
func (m *Mount) subscribe() error {
	cfg := m.c.config
	attempts, err := cfg.SubscribeRetry.retry(m.ctx, cfg.Clock, func() error {
		sub, err := m.c.channel.Subscribe(m.ctx, m.sessionID, m.apply)
		if err != nil {
			if m.ctx.Err() != nil {
				return backoff.Permanent(m.ctx.Err())
			}
			return err
		}
		m.mu.Lock()
		m.sub = sub
		m.mu.Unlock()
		return nil
	}, func(attempt int, err error) {
		m.logger.Warn("Subscribe failed", log.Int("attempt", attempt), log.Error(err))
		m.c.update(m, func(s *State) { s.Status, s.Err = StatusDegraded, err })
	})
	if m.ctx.Err() != nil {
		m.mu.Lock()
		sub := m.sub
		m.mu.Unlock()
		if err == nil && sub != nil {
			sub.Unsubscribe()
		}
		return m.ctx.Err()
	}
	if err == nil {
		return nil
	}

	err = remote.Wrap(remote.ErrSubscription, err)
	m.logger.Error("Giving up on subscription", log.Int("attempts", attempts), log.Error(err))
	m.c.update(m, func(s *State) { s.Status, s.Err = StatusFailed, err })
	return err
}

// watch resubscribes whenever the stream drops, until teardown.
func (m *Mount) watch() {
	for {
		m.mu.Lock()
		sub := m.sub
		m.mu.Unlock()

		select {
		case <-m.ctx.Done():
			return
		case <-sub.Done():
		}
		if m.ctx.Err() != nil {
			return
		}

		dropErr := sub.Err()
		m.logger.Warn("Subscription dropped, resubscribing", log.Error(dropErr))
		m.c.update(m, func(s *State) { s.Status, s.Err = StatusDegraded, dropErr })

		m.mu.Lock()
		m.resynced = true
		m.mu.Unlock()
		if err := m.subscribe(); err != nil {
			if m.ctx.Err() == nil {
				m.lost.Store(true)
			}
			return
		}
		m.c.update(m, func(s *State) { s.Status, s.Err = StatusLive, nil })
		m.logger.Info("Resubscribed")
	}
}

// apply mirrors one inbound batch into the document.
func (m *Mount) apply(b remote.Batch) {
	if m.closed.Load() {
		return
	}

	m.mu.Lock()
	reconcile := m.resynced
	m.resynced = false
	p, w := m.processor, m.writer
	m.mu.Unlock()

	// The host's own writes come back on the stream. While a newer local
	// value for the id is still on its way out, the echo is stale.
	ahead := func(id record.ID) bool {
		return (p != nil && p.IsPending(id)) || (w != nil && w.Has(id))
	}

	var keep map[record.ID]struct{}
	if reconcile {
		keep = make(map[record.ID]struct{}, len(b))
	}

	store := m.c.store
	for _, ch := range b {
		switch ch.Kind {
		case remote.KindAdded, remote.KindModified:
			if keep != nil {
				keep[ch.Record.ID] = struct{}{}
			}
			if ahead(ch.Record.ID) {
				continue
			}
			store.Put(ch.Record)
		case remote.KindRemoved:
			if ahead(ch.Record.ID) {
				continue
			}
			store.Remove(ch.Record.ID)
		}
	}

	if keep != nil {
		var stale []record.ID
		for _, rec := range store.All() {
			if _, ok := keep[rec.ID]; !ok && !ahead(rec.ID) {
				stale = append(stale, rec.ID)
			}
		}
		if n := store.Remove(stale...); n > 0 {
			m.logger.Info("Removed records deleted while disconnected", log.Int("count", n))
		}
	}
}

func (m *Mount) writeFailed(f WriteFailure) {
	m.c.update(m, func(s *State) {
		s.Err = f
		s.FailedWrites++
	})
	if m.c.config.OnWriteFailure != nil {
		m.c.config.OnWriteFailure(f)
	}
}

// teardown releases the mount in reverse order of setup. It runs once, whatever
// state setup reached.
func (m *Mount) teardown() {
	m.teardownOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()
		m.wg.Wait()

		m.mu.Lock()
		detach, p, w, sub := m.detach, m.processor, m.writer, m.sub
		m.detach = nil
		m.mu.Unlock()

		if detach != nil {
			detach()
		}
		if p != nil {
			if n := p.FlushAll(); n > 0 {
				m.logger.Debug("Flushed pending updates on teardown", log.Int("count", n))
			}
		}
		if w != nil {
			ctx, cancel := context.WithTimeout(context.Background(), m.c.config.DrainTimeout)
			if err := w.Drain(ctx); err != nil {
				m.logger.Warn("Writer did not drain", log.Error(err))
			}
			cancel()
			w.Close()
		}
		if sub != nil {
			sub.Unsubscribe()
		}
		close(m.done)
		m.logger.Info("Session unmounted")
	})
}
