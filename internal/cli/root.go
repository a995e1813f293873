// Package cli implements the canvassync command line.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/canvassync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	EnvFile    string
	LogLevel   string
}

// load resolves configuration, letting --log-level win over files and env.
func (o *RootOptions) load() (config.Config, error) {
	cfg, err := config.Load(config.Options{ConfigFile: o.ConfigFile, EnvFile: o.EnvFile})
	if err != nil {
		return config.Config{}, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "canvassync",
		Short:         "Real-time canvas session synchronization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error|silent)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}
