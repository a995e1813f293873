// Package server exposes a memory.Hub to remote clients: websocket for the
// record channel, plain HTTP for session documents.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/remote/memory"
)

// Server is the canvassync relay.
type Server struct {
	hub      *memory.Hub
	echo     *echo.Echo
	validate *validator.Validate

	peers     sync.Map // map[string]*peer
	peerCount int64    // atomic

	running int32 // atomic bool
	closed  int32 // atomic bool

	config Config
	logger log.Log

	listenMu sync.Mutex
	addr     net.Addr
}

// Config holds server configuration
type Config struct {
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr" validate:"required"`
	MaxClients int    `mapstructure:"max_clients" yaml:"max_clients" validate:"gte=1"`

	// Outbound frames buffered per client before it is dropped as too slow.
	SendBuffer     int           `mapstructure:"send_buffer" yaml:"send_buffer" validate:"gte=1"`
	MaxMessageSize int64         `mapstructure:"max_message_size" yaml:"max_message_size" validate:"gte=1024"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:8080",
		MaxClients:      10_000,
		SendBuffer:      256,
		MaxMessageSize:  1024 * 1024, // 1MB
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// NewServer creates a relay in front of hub.
func NewServer(hub *memory.Hub, config Config, logger log.Log) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		hub:      hub,
		echo:     e,
		validate: validator.New(),
		config:   config,
		logger:   logger.With(log.String("component", "server")),
	}
	s.routes()

	s.logger.Info("Server created",
		log.String("listen_addr", config.ListenAddr),
		log.Int("max_clients", config.MaxClients))

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run listens on ListenAddr and serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}
	defer atomic.StoreInt32(&s.running, 0)

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		s.logger.Error("Failed to listen", log.Error(err))
		return err
	}
	s.listenMu.Lock()
	s.addr = ln.Addr()
	s.listenMu.Unlock()
	s.echo.Listener = ln

	s.logger.Info("Server listening", log.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.echo.Start(""); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})
	return g.Wait()
}

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() net.Addr {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return s.addr
}

// Close stops accepting clients and disconnects every peer.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.disconnectAll()
	return nil
}

func (s *Server) shutdown() error {
	s.logger.Info("Stopping server")
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.disconnectAll()
	err := s.echo.Shutdown(ctx)
	s.logger.Info("Server stopped")
	return err
}

func (s *Server) disconnectAll() {
	s.peers.Range(func(_, value any) bool {
		if p, ok := value.(*peer); ok {
			p.close()
		}
		return true
	})
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int64 {
	return atomic.LoadInt64(&s.peerCount)
}
