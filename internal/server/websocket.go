package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/remote/wire"
	"github.com/zeusync/canvassync/internal/core/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// peer is one websocket client. Frames to the client are queued on out and
// written by a single goroutine.
type peer struct {
	id       string
	identity string
	conn     *websocket.Conn
	out      chan wire.Frame
	logger   log.Log

	mu     sync.Mutex
	subs   map[string]remote.Subscription
	owners map[string]string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Server) handleWebSocket(c echo.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrServerClosed.Error())
	}
	if atomic.LoadInt64(&s.peerCount) >= int64(s.config.MaxClients) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrMaxClientsReached.Error())
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", log.Error(err))
		return nil
	}
	conn.SetReadLimit(s.config.MaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{
		id:       uuid.NewString(),
		identity: c.QueryParam("identity"),
		conn:     conn,
		out:      make(chan wire.Frame, s.config.SendBuffer),
		subs:     make(map[string]remote.Subscription),
		owners:   make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.logger = s.logger.With(log.String("peer_id", p.id), log.String("identity", p.identity))

	s.peers.Store(p.id, p)
	atomic.AddInt64(&s.peerCount, 1)
	p.logger.Info("Client connected")

	err = s.serve(p)

	p.close()
	p.unsubscribeAll()
	s.peers.Delete(p.id)
	atomic.AddInt64(&s.peerCount, -1)
	p.logger.Info("Client disconnected", log.ErrorWithKey("reason", err))
	return nil
}

func (s *Server) serve(p *peer) error {
	g, ctx := errgroup.WithContext(p.ctx)
	g.Go(func() error { return s.readLoop(ctx, p) })
	g.Go(func() error { return s.writeLoop(ctx, p) })
	return g.Wait()
}

func (s *Server) readLoop(ctx context.Context, p *peer) error {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		f, err := wire.Decode(data)
		if err != nil {
			p.send(wire.Failure(requestID(data), err))
			continue
		}
		s.dispatch(ctx, p, f)
	}
}

func (s *Server) writeLoop(ctx context.Context, p *peer) error {
	var ping <-chan time.Time
	if s.config.PingInterval > 0 {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer p.conn.Close()

	for {
		select {
		case <-ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case f := <-p.out:
			if err := p.conn.SetWriteDeadline(s.writeDeadline()); err != nil {
				return err
			}
			if err := p.conn.WriteJSON(f); err != nil {
				return err
			}
		case <-ping:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, s.writeDeadline()); err != nil {
				return err
			}
		}
	}
}

func (s *Server) writeDeadline() time.Time {
	if s.config.WriteTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.config.WriteTimeout)
}

func (s *Server) dispatch(ctx context.Context, p *peer, f wire.Frame) {
	switch f.Op {
	case wire.OpSubscribe:
		s.handleSubscribe(ctx, p, f)
	case wire.OpUnsubscribe:
		p.unsubscribe(f.ID)
		p.send(wire.Ack(f.ID))
	case wire.OpUpsert:
		if err := s.authorize(ctx, p, f.Session); err != nil {
			p.send(wire.Failure(f.ID, err))
			return
		}
		s.reply(p, f.ID, s.hub.Upsert(ctx, f.Session, *f.Record))
	case wire.OpDelete:
		if err := s.authorize(ctx, p, f.Session); err != nil {
			p.send(wire.Failure(f.ID, err))
			return
		}
		s.reply(p, f.ID, s.hub.Delete(ctx, f.Session, f.RecordID))
	case wire.OpGetSession:
		sess, err := s.hub.GetSession(ctx, f.Session)
		if err != nil {
			p.send(wire.Failure(f.ID, err))
			return
		}
		p.send(wire.Frame{Op: wire.OpAck, ID: f.ID, Payload: &sess})
	default:
		p.send(wire.Failure(f.ID, errors.Wrapf(wire.ErrMalformed, "unknown op %q", f.Op)))
	}
}

func (s *Server) handleSubscribe(ctx context.Context, p *peer, f wire.Frame) {
	id, sessionID := f.ID, f.Session
	sub, err := s.hub.Subscribe(ctx, sessionID, func(b remote.Batch) {
		p.send(wire.Frame{Op: wire.OpBatch, ID: id, Session: sessionID, Changes: b})
	})
	if err != nil {
		if _, lookupErr := s.hub.GetSession(ctx, sessionID); errors.Is(lookupErr, session.ErrNotFound) {
			err = lookupErr
		}
		p.send(wire.Failure(id, err))
		return
	}

	p.mu.Lock()
	if old, ok := p.subs[id]; ok {
		old.Unsubscribe()
	}
	p.subs[id] = sub
	p.mu.Unlock()

	p.logger.Debug("Subscribed", log.String("session_id", sessionID), log.String("subscription_id", id))
	p.send(wire.Ack(id))
}

// authorize enforces the host-exclusive write path: only the session owner
// may write its records.
func (s *Server) authorize(ctx context.Context, p *peer, sessionID string) error {
	p.mu.Lock()
	owner, ok := p.owners[sessionID]
	p.mu.Unlock()
	if !ok {
		sess, err := s.hub.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		owner = sess.OwnerID
		p.mu.Lock()
		p.owners[sessionID] = owner
		p.mu.Unlock()
	}
	if p.identity == "" || p.identity != owner {
		return errors.Wrapf(remote.ErrForbidden, "%q is not the owner of %s", p.identity, sessionID)
	}
	return nil
}

func (s *Server) reply(p *peer, id string, err error) {
	if err != nil {
		p.logger.Warn("Write rejected", log.String("request_id", id), log.Error(err))
		p.send(wire.Failure(id, err))
		return
	}
	p.send(wire.Ack(id))
}

// send queues f without blocking. A client that cannot keep up is
// disconnected; it resubscribes and receives a fresh snapshot.
func (p *peer) send(f wire.Frame) {
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.out <- f:
	default:
		p.logger.Warn("Dropping slow client", log.Error(ErrSlowConsumer))
		p.close()
	}
}

func (p *peer) unsubscribe(id string) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	delete(p.subs, id)
	p.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

func (p *peer) unsubscribeAll() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[string]remote.Subscription)
	p.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		p.cancel()
		_ = p.conn.SetReadDeadline(time.Now())
	})
}

// requestID recovers the id of a frame that failed to decode.
func requestID(data []byte) string {
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &head)
	return head.ID
}
