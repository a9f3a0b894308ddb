package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coachdesk/server/internal/reconcile"
	"github.com/coachdesk/server/internal/storage"
	"github.com/coachdesk/server/pkg/coachdesk"
)

type reconcileReport struct {
	SessionID    string            `json:"sessionId"`
	Verification string            `json:"verification"`
	Transitioned bool              `json:"transitioned"`
	Purchase     *storage.Purchase `json:"purchase,omitempty"`
}

func reconcileCmd() *cobra.Command {
	var (
		owner   string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile <session_id>",
		Short: "Verify a checkout session with Stripe and mark its purchase paid",
		Long: `Runs the same confirmation the webhook, redirect and page-load triggers run.

An already paid purchase is reported unchanged and no notification is sent
twice. In outbox mode the notification jobs are queued for the running server.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			opts := []coachdesk.Option{coachdesk.WithVersion(Version)}
			if !verbose {
				opts = append(opts, coachdesk.WithLogger(zerolog.Nop()))
			}

			ctx := commandContext(cmd)
			app, err := coachdesk.NewApp(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			defer app.Close()

			sessionID := args[0]
			out, err := app.Pipeline.Confirm(ctx, reconcile.Request{
				SessionID: sessionID,
				Source:    reconcile.SourceAdmin,
				OwnerID:   owner,
			})
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", sessionID, err)
			}

			report := reconcileReport{
				SessionID:    sessionID,
				Verification: string(out.Verification.Status),
				Transitioned: out.Result.Transitioned,
				Purchase:     out.Result.Record,
			}
			if report.Purchase == nil {
				if p, err := app.Store.GetPurchaseBySession(ctx, sessionID); err == nil {
					report.Purchase = &p
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "require the session to belong to this user id")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print service logs")

	return cmd
}
