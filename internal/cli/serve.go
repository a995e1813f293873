package cli

import (
	"github.com/spf13/cobra"

	"github.com/zeusync/canvassync/internal/injector"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}

			relay, cleanup, err := injector.InitializeRelay(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			defer func() { _ = relay.Logger.Sync() }()

			return relay.Server.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides server.listen_addr")
	return cmd
}
