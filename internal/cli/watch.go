package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/canvassync/internal/core/document"
	"github.com/zeusync/canvassync/internal/core/lifecycle"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/injector"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		identity string
		url      string
	)

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Mirror a session and log every change until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if identity != "" {
				cfg.Client.Identity = identity
				cfg.Lifecycle.Identity = identity
			}
			if url != "" {
				cfg.Client.URL = url
			}

			out := cmd.OutOrStdout()
			cfg.Lifecycle.OnState = func(s lifecycle.State) {
				fmt.Fprintf(out, "state: %s host=%t err=%v\n", s.Status, s.IsHost, s.Err)
			}

			w, cleanup, err := injector.InitializeWatcher(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			stop := w.Document.Listen(func(c document.Change) {
				w.Logger.Info("Record changed",
					log.String("kind", c.Kind.String()),
					log.String("origin", c.Origin.String()),
					log.String("record_id", string(c.ID)))
			})
			defer stop()

			m := w.Controller.Mount(args[0])
			if err := m.Err(); err != nil {
				return err
			}
			fmt.Fprintf(out, "watching %s (%d records)\n", args[0], w.Document.Len())

			<-cmd.Context().Done()
			w.Controller.Unmount()
			return nil
		},
	}

	cmd.Flags().StringVar(&identity, "identity", "", "local identity, overrides client.identity")
	cmd.Flags().StringVar(&url, "url", "", "relay websocket URL, overrides client.url")
	return cmd
}
