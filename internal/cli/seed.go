package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeusync/canvassync/internal/config"
	"github.com/zeusync/canvassync/internal/core/observability/log"
	"github.com/zeusync/canvassync/internal/injector"
)

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Import sessions and records into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			fx, err := config.LoadFixture(args[0])
			if err != nil {
				return err
			}

			relay, cleanup, err := injector.InitializeRelay(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			total := 0
			for _, s := range fx.Sessions {
				if err := relay.Hub.CreateSession(ctx, s.Session); err != nil {
					return fmt.Errorf("session %s: %w", s.ID, err)
				}
				for _, rec := range s.Records {
					if err := relay.Hub.Upsert(ctx, s.ID, rec); err != nil {
						return fmt.Errorf("session %s record %s: %w", s.ID, rec.ID, err)
					}
				}
				total += len(s.Records)
				relay.Logger.Info("Session seeded", log.String("session_id", s.ID), log.Int("records", len(s.Records)))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d session(s), %d record(s)\n", len(fx.Sessions), total)
			return nil
		},
	}
	return cmd
}
