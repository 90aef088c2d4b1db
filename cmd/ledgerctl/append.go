package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/pkg/client"
	"github.com/spf13/cobra"
)

func newAppendCmd(c *cli) *cobra.Command {
	var (
		req                 client.AppendRequest
		beforeRaw, afterRaw string
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Record an admin action",
		Long: `Append records one admin action through the internal write API.

  ledgerctl append --service-id ops --secret $SECRET \
    --action APPROVE --entity-type application --entity-id app-42 \
    --actor admin-7 --description "approved after review" \
    --before '{"status":"pending"}' --after '{"status":"approved"}'

A random idempotency key is used unless --idempotency-key is given; pass
the same key when retrying so the action is recorded only once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if req.DataBefore, err = parseSnapshot("before", beforeRaw); err != nil {
				return err
			}
			if req.DataAfter, err = parseSnapshot("after", afterRaw); err != nil {
				return err
			}
			req.ActionType = strings.ToUpper(req.ActionType)
			if req.IdempotencyKey == "" {
				req.IdempotencyKey = uuid.NewString()
			}

			api, err := c.client(true)
			if err != nil {
				return err
			}
			res, err := api.Append(context.Background(), req)
			if err != nil {
				return fmt.Errorf("append: %w", err)
			}

			p := c.printer(cmd.OutOrStdout())
			if ok, err := p.structured(res); ok {
				return err
			}
			verb := "recorded"
			if res.Replayed {
				verb = "already recorded"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s as entry %d (%s)\n", verb, res.Entry.SequenceNumber, res.Entry.CurrentHash)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.ActionType, "action", "", "action type (required)")
	f.StringVar(&req.EntityType, "entity-type", "", "entity type (required)")
	f.StringVar(&req.EntityID, "entity-id", "", "entity ID")
	f.StringVar(&req.ActorID, "actor", "", "admin ID (required)")
	f.StringVar(&req.ActorLabel, "actor-label", "", "admin display name")
	f.StringVar(&req.Description, "description", "", "what happened (required)")
	f.StringVar(&beforeRaw, "before", "", "JSON object: entity state before the action")
	f.StringVar(&afterRaw, "after", "", "JSON object: entity state after the action")
	f.StringVar(&req.OriginAddress, "origin", "", "origin address of the admin")
	f.StringVar(&req.IdempotencyKey, "idempotency-key", "", "idempotency key (default random)")
	for _, name := range []string{"action", "entity-type", "actor", "description"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func parseSnapshot(name, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return m, nil
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret <secret>",
		Short: "Print the bcrypt hash of a service secret for auth.service_secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := identity.HashSecret(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
}
