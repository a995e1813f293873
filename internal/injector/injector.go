//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/canvassync/internal/config"
)

func InitializeRelay(cfg config.Config) (*Relay, func(), error) {
	wire.Build(RelaySet)
	return nil, nil, nil
}

func InitializeWatcher(cfg config.Config) (*Watcher, func(), error) {
	wire.Build(WatcherSet)
	return nil, nil, nil
}
