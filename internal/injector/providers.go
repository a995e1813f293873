package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/canvassync/internal/config"
	"github.com/zeusync/canvassync/internal/core/document"
	"github.com/zeusync/canvassync/internal/core/lifecycle"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/core/remote"
	"github.com/zeusync/canvassync/internal/core/remote/memory"
	"github.com/zeusync/canvassync/internal/core/remote/sqlstore"
	"github.com/zeusync/canvassync/internal/core/remote/wsclient"
	"github.com/zeusync/canvassync/internal/core/session"
	"github.com/zeusync/canvassync/internal/server"
)

// Relay is the server side: SQL persistence behind the hub behind the relay.
type Relay struct {
	Server *server.Server
	Hub    *memory.Hub
	Store  *sqlstore.Store
	Logger *log.Logger
}

// Watcher is the client side: one controller mirroring a session into a local
// document over the websocket client.
type Watcher struct {
	Client     *wsclient.Client
	Document   *document.Store
	Controller *lifecycle.Controller
	Logger     *log.Logger
}

var (
	RelaySet = wire.NewSet(
		ProvideLogger,
		ProvideSQLStore,
		ProvideHub,
		ProvideServer,
		wire.Struct(new(Relay), "*"),
	)
	WatcherSet = wire.NewSet(
		ProvideLogger,
		ProvideClient,
		ProvideDocument,
		ProvideController,
		wire.Bind(new(remote.Channel), new(*wsclient.Client)),
		wire.Bind(new(session.Getter), new(*wsclient.Client)),
		wire.Struct(new(Watcher), "*"),
	)
)

func ProvideLogger(cfg config.Config) *log.Logger {
	return log.New(log.ParseLevel(cfg.Log.Level))
}

func ProvideSQLStore(cfg config.Config, logger *log.Logger) (*sqlstore.Store, func(), error) {
	store, err := sqlstore.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Store opened", log.String("driver", cfg.Store.Driver))
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("Store close failed", log.Error(err))
		}
	}, nil
}

func ProvideHub(store *sqlstore.Store, logger *log.Logger) *memory.Hub {
	return memory.NewHub(store, logger)
}

func ProvideServer(hub *memory.Hub, cfg config.Config, logger *log.Logger) (*server.Server, func()) {
	srv := server.NewServer(hub, cfg.Server, logger)
	return srv, func() { _ = srv.Close() }
}

func ProvideClient(cfg config.Config, logger *log.Logger) (*wsclient.Client, func(), error) {
	c, err := wsclient.New(cfg.Client, logger)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

// ProvideDocument returns a document that is ready at once; a headless
// watcher has no editing surface to wait for.
func ProvideDocument(logger *log.Logger) *document.Store {
	d := document.New(logger)
	d.MarkReady()
	return d
}

func ProvideController(cfg config.Config, getter session.Getter, channel remote.Channel, doc *document.Store, logger *log.Logger) (*lifecycle.Controller, func()) {
	ctrl := lifecycle.NewController(cfg.Lifecycle, getter, channel, doc, logger)
	return ctrl, func() { _ = ctrl.Close() }
}
