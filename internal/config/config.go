// Package config loads canvassync configuration from defaults, an optional YAML
// file, an optional .env file and CANVASSYNC_* environment variables, in
// increasing order of precedence.
package config

import (
	"bytes"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/canvassync/internal/core/lifecycle"
	"github.com/zeusync/canvassync/internal/core/remote/sqlstore"
	"github.com/zeusync/canvassync/internal/core/remote/wsclient"
	"github.com/zeusync/canvassync/internal/server"
)

const EnvPrefix = "CANVASSYNC"

type Config struct {
	Log       LogConfig        `mapstructure:"log" yaml:"log"`
	Server    server.Config    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig      `mapstructure:"store" yaml:"store"`
	Client    wsclient.Config  `mapstructure:"client" yaml:"client"`
	Lifecycle lifecycle.Config `mapstructure:"lifecycle" yaml:"lifecycle"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error silent"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite3 postgres"`
	DSN    string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
}

// Default returns default configuration
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info"},
		Server:    server.DefaultServerConfig(),
		Store:     StoreConfig{Driver: sqlstore.DriverSQLite, DSN: "canvassync.db"},
		Client:    wsclient.DefaultClientConfig(),
		Lifecycle: lifecycle.DefaultConfig(),
	}
}

// Options selects the files Load reads. Empty paths are skipped.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load builds the effective configuration and validates it.
func Load(opts Options) (Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "load env file %s", opts.EnvFile)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, errors.Wrap(err, "encode defaults")
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, errors.Wrap(err, "read defaults")
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "read config file %s", opts.ConfigFile)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(ErrInvalidConfig, err.Error())
	}
	return nil
}

// YAML renders c as it would be written in a config file.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
