// Package wsclient implements remote.Channel and session.Getter against the
// canvassync relay server over a websocket.
//
// The client dials lazily and redials on the next request after a drop. A drop
// fails every live subscription (Subscription.Err wraps
// remote.ErrSubscription) so the owner can resubscribe and receive a fresh
// snapshot.
package wsclient

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/record"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/remote/wire"
	"github.com/zeusync/canvassync/internal/core/session"
)

var (
	_ remote.Channel = (*Client)(nil)
	_ session.Getter = (*Client)(nil)
)

// Config holds configuration for the client
type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://127.0.0.1:8080/ws.
	URL      string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	Identity string        `mapstructure:"identity" yaml:"identity"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Outbound frames buffered before requests start blocking.
	SendBuffer int `mapstructure:"send_buffer" yaml:"send_buffer"`
}

// DefaultClientConfig returns default client configuration
func DefaultClientConfig() Config {
	return Config{
		URL:        "ws://127.0.0.1:8080/ws",
		Timeout:    10 * time.Second,
		SendBuffer: 256,
	}
}

type streamEntry struct {
	stream *remote.Stream
	conn   *connection
}

// connection is one dialed websocket and its pumps.
type connection struct {
	ws   *websocket.Conn
	out  chan wire.Frame
	done chan struct{}
	err  error
}

type Client struct {
	config Config
	dialer *websocket.Dialer
	logger log.Log

	dialMu sync.Mutex

	mu      sync.Mutex
	conn    *connection
	pending map[string]chan wire.Frame
	streams map[string]streamEntry

	closed int32 // atomic bool
}

func New(config Config, logger log.Log) (*Client, error) {
	if config.URL == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "url is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultClientConfig().Timeout
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultClientConfig().SendBuffer
	}
	return &Client{
		config:  config,
		dialer:  &websocket.Dialer{HandshakeTimeout: config.Timeout},
		logger:  logger.With(log.String("component", "wsclient"), log.String("identity", config.Identity)),
		pending: make(map[string]chan wire.Frame),
		streams: make(map[string]streamEntry),
	}, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (session.Session, error) {
	reply, err := c.request(ctx, wire.NewRequest(wire.OpGetSession, id))
	if err != nil {
		return session.Session{}, err
	}
	if reply.Payload == nil {
		return session.Session{}, session.ErrNotFound
	}
	return *reply.Payload, nil
}

func (c *Client) Subscribe(ctx context.Context, sessionID string, onBatch remote.BatchHandler) (remote.Subscription, error) {
	cn, err := c.connect(ctx)
	if err != nil {
		return nil, remote.Wrap(remote.ErrSubscription, err)
	}

	req := wire.NewRequest(wire.OpSubscribe, sessionID)
	var stream *remote.Stream
	stream = remote.NewStream(onBatch, func() {
		c.mu.Lock()
		delete(c.streams, req.ID)
		c.mu.Unlock()
		if stream.Err() == nil {
			c.trySend(cn, wire.Frame{Op: wire.OpUnsubscribe, ID: req.ID})
		}
	})

	// Register before asking: the snapshot batch arrives ahead of the ack.
	c.mu.Lock()
	c.streams[req.ID] = streamEntry{stream: stream, conn: cn}
	c.mu.Unlock()

	if _, err := c.requestOn(ctx, cn, req); err != nil {
		stream.Fail(err)
		return nil, remote.Wrap(remote.ErrSubscription, err)
	}
	c.logger.Debug("Subscribed", log.String("session_id", sessionID))
	return stream, nil
}

func (c *Client) Upsert(ctx context.Context, sessionID string, rec record.Record) error {
	req := wire.NewRequest(wire.OpUpsert, sessionID)
	req.Record = &rec
	if _, err := c.request(ctx, req); err != nil {
		return remote.Wrap(remote.ErrWriteFailure, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, sessionID string, id record.ID) error {
	req := wire.NewRequest(wire.OpDelete, sessionID)
	req.RecordID = id
	if _, err := c.request(ctx, req); err != nil {
		return remote.Wrap(remote.ErrWriteFailure, err)
	}
	return nil
}

// Close unsubscribes every stream and closes the connection.
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.mu.Lock()
	streams := make([]*remote.Stream, 0, len(c.streams))
	for _, e := range c.streams {
		streams = append(streams, e.stream)
	}
	cn := c.conn
	c.mu.Unlock()

	for _, s := range streams {
		s.Unsubscribe()
	}
	if cn != nil {
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = cn.ws.Close()
		<-cn.done
	}
	return nil
}

// Connected reports whether a websocket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) request(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	cn, err := c.connect(ctx)
	if err != nil {
		return wire.Frame{}, err
	}
	return c.requestOn(ctx, cn, f)
}

func (c *Client) requestOn(ctx context.Context, cn *connection, f wire.Frame) (wire.Frame, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	reply := make(chan wire.Frame, 1)
	c.mu.Lock()
	c.pending[f.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.config.Timeout)
	defer timer.Stop()

	select {
	case cn.out <- f:
	case <-cn.done:
		return wire.Frame{}, errors.Wrap(ErrNotConnected, errString(cn.err))
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-timer.C:
		return wire.Frame{}, ErrRequestTimeout
	}

	select {
	case r := <-reply:
		if err := r.Err(); err != nil {
			return wire.Frame{}, err
		}
		return r, nil
	case <-cn.done:
		return wire.Frame{}, errors.Wrap(ErrNotConnected, errString(cn.err))
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-timer.C:
		return wire.Frame{}, ErrRequestTimeout
	}
}

func (c *Client) trySend(cn *connection, f wire.Frame) {
	select {
	case cn.out <- f:
	case <-cn.done:
	default:
	}
}

// connect returns the live connection, dialing one if needed.
func (c *Client) connect(ctx context.Context) (*connection, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, ErrClientClosed
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn != nil {
		return cn, nil
	}

	u, err := url.Parse(c.config.URL)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if c.config.Identity != "" {
		q := u.Query()
		q.Set("identity", c.config.Identity)
		u.RawQuery = q.Encode()
	}

	ws, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.logger.Warn("Dial failed", log.String("url", c.config.URL), log.Error(err))
		return nil, errors.Wrap(ErrNotConnected, err.Error())
	}

	cn = &connection{ws: ws, out: make(chan wire.Frame, c.config.SendBuffer), done: make(chan struct{})}
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	c.logger.Info("Connected", log.String("url", c.config.URL))

	go c.run(cn)
	return cn, nil
}

func (c *Client) run(cn *connection) {
	stop := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(stop)
		return c.readLoop(cn)
	})
	g.Go(func() error { return c.writeLoop(cn, stop) })
	cn.err = g.Wait()
	_ = cn.ws.Close()

	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	var broken []*remote.Stream
	for _, e := range c.streams {
		if e.conn == cn {
			broken = append(broken, e.stream)
		}
	}
	c.mu.Unlock()

	close(cn.done)
	for _, s := range broken {
		s.Fail(errors.Wrap(ErrNotConnected, errString(cn.err)))
	}
	if atomic.LoadInt32(&c.closed) == 0 {
		c.logger.Warn("Connection lost", log.Error(cn.err), log.Int("subscriptions", len(broken)))
	}
}

func (c *Client) readLoop(cn *connection) error {
	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			return err
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", log.Error(err))
			continue
		}

		switch f.Op {
		case wire.OpBatch:
			c.mu.Lock()
			e, ok := c.streams[f.ID]
			c.mu.Unlock()
			if ok {
				e.stream.Deliver(f.Changes)
			}
		case wire.OpAck, wire.OpError:
			c.mu.Lock()
			reply, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case reply <- f:
				default:
				}
			}
		}
	}
}

func (c *Client) writeLoop(cn *connection, stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case f := <-cn.out:
			if err := cn.ws.SetWriteDeadline(time.Now().Add(c.config.Timeout)); err != nil {
				return err
			}
			if err := cn.ws.WriteJSON(f); err != nil {
				_ = cn.ws.Close()
				return err
			}
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
