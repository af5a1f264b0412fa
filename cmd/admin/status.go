package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ledgersync/internal/app"
	"ledgersync/internal/domain/webhook"
	"ledgersync/internal/shared/config"
)

func statusCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "status [item-id]",
		Short: "Show the sync status of an item or of all items of a user",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && userID <= 0 {
				return errors.New("specify an item ID or --user-id")
			}
			return withEngine(cmd.Context(), func(e *app.Engine) error {
				if len(args) == 1 {
					st, err := e.Status.Status(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return writeJSON(cmd.OutOrStdout(), st)
				}
				sts, err := e.Status.StatusForUser(cmd.Context(), userID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), sts)
			})
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "show all items of this user")
	return cmd
}

func fireWebhookCmd() *cobra.Command {
	var (
		code   string
		sign   bool
		body   string
		secret string
	)
	cmd := &cobra.Command{
		Use:   "fire-webhook <item-id>",
		Short: "Make the sandbox provider deliver a webhook for an item",
		Long: `Ask the sandbox provider to fire a webhook for an item, exercising the
full delivery path. With --sign, print a verification header for a local body
instead, to replay deliveries against a running API with curl.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sign {
				if secret == "" {
					cfg, err := config.Load()
					if err != nil {
						return err
					}
					secret = cfg.Webhook.Secret
				}
				if body == "" {
					body = fmt.Sprintf(`{"webhook_type":"TRANSACTIONS","webhook_code":%q,"item_id":%q}`, code, args[0])
				}
				token, err := webhook.Sign(secret, []byte(body), time.Now())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n%s\n", webhook.VerificationHeader, token, body)
				return nil
			}

			return withEngine(cmd.Context(), func(e *app.Engine) error {
				return fireWebhook(cmd.Context(), e, args[0], code)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "SYNC_UPDATES_AVAILABLE", "webhook code to fire")
	cmd.Flags().BoolVar(&sign, "sign", false, "print a signed local delivery instead of calling the provider")
	cmd.Flags().StringVar(&body, "body", "", "raw body to sign (with --sign)")
	cmd.Flags().StringVar(&secret, "secret", "", "webhook secret (defaults to WEBHOOK_SECRET)")
	return cmd
}

func fireWebhook(ctx context.Context, e *app.Engine, itemID, code string) error {
	it, err := e.Items.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load item %s: %w", itemID, err)
	}
	if err := e.Provider.FireWebhook(ctx, it.AccessToken, code); err != nil {
		return fmt.Errorf("failed to fire webhook: %w", err)
	}
	fmt.Printf("Fired %s webhook for item %s\n", code, itemID)
	return nil
}
