package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coachdesk/server/internal/config"
	"github.com/coachdesk/server/pkg/coachdesk"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the notification outbox worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := coachdesk.NewApp(ctx, cfg, coachdesk.WithVersion(Version))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := app.Close(); cerr != nil {
					app.Logger.Error().Err(cerr).Msg("coachdesk.close_failed")
				}
			}()

			return app.Serve(ctx)
		},
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// commandContext returns the command's context or a background one when run outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
