package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jmerrifield20/AuditLedger/pkg/client"
	"github.com/spf13/cobra"
)

func newQueryCmd(c *cli) *cobra.Command {
	var (
		q        client.Query
		noVerify bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List ledger entries, newest first",
		Long: `Query lists ledger entries matching the filters, newest first, with each
entry's chain status.

  ledgerctl query --action APPROVE --since 2026-01-01
  ledgerctl query --actor admin-7 --page 2 --as-of 1520`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if noVerify {
				f := false
				q.Verify = &f
			}
			api, err := c.client(false)
			if err != nil {
				return err
			}
			page, err := api.Query(context.Background(), q)
			if err != nil {
				return fmt.Errorf("query ledger: %w", err)
			}

			p := c.printer(cmd.OutOrStdout())
			if ok, err := p.structured(page); ok {
				return err
			}
			p.entries(page.Entries)
			pg := page.Pagination
			fmt.Fprintf(cmd.OutOrStdout(), "\npage %d of %d, %d entries (as of %d)\n",
				pg.Page, pg.TotalPages, pg.Total, pg.AsOf)
			if page.Verification != nil {
				p.verification(page.Verification)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.ActionType, "action", "", "action type (CREATE, UPDATE, DELETE, APPROVE, DECLINE, ...)")
	f.StringVar(&q.AdminID, "actor", "", "admin ID")
	f.StringVar(&q.EntityType, "entity-type", "", "entity type")
	f.StringVar(&q.EntityID, "entity-id", "", "entity ID")
	f.StringVar(&q.StartDate, "since", "", "start date (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&q.EndDate, "until", "", "end date, inclusive (RFC 3339 or YYYY-MM-DD)")
	f.IntVar(&q.Page, "page", 1, "page number")
	f.IntVar(&q.Limit, "limit", 20, "entries per page")
	f.Int64Var(&q.AsOf, "as-of", 0, "pin results to entries up to this sequence number")
	f.BoolVar(&noVerify, "no-verify", false, "skip chain verification")
	return cmd
}

func newVerifyCmd(c *cli) *cobra.Command {
	var from, to int64
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		Long: `Verify walks the chain oldest to newest and reports every break.
It exits non-zero when the chain is broken.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client(false)
			if err != nil {
				return err
			}
			res, err := api.Verify(context.Background(), from, to)
			if err != nil {
				return fmt.Errorf("verify ledger: %w", err)
			}
			p := c.printer(cmd.OutOrStdout())
			if ok, err := p.structured(res); !ok {
				p.verification(res)
			} else if err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("chain broken at %d", res.BrokenAt)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "first sequence number (default genesis)")
	cmd.Flags().Int64Var(&to, "to", 0, "last sequence number (default tail)")
	return cmd
}

func newGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get <seq>",
		Short: "Show one ledger entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || seq < 1 {
				return fmt.Errorf("invalid sequence number %q", args[0])
			}
			api, err := c.client(false)
			if err != nil {
				return err
			}
			e, err := api.GetEntry(context.Background(), seq)
			if err != nil {
				return err
			}
			p := c.printer(cmd.OutOrStdout())
			if ok, err := p.structured(e); ok {
				return err
			}
			p.entry(e)
			return nil
		},
	}
}

func newTailCmd(c *cli) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client(false)
			if err != nil {
				return err
			}
			page, err := api.Query(context.Background(), client.Query{Page: 1, Limit: n})
			if err != nil {
				return fmt.Errorf("query ledger: %w", err)
			}
			p := c.printer(cmd.OutOrStdout())
			if ok, err := p.structured(page.Entries); ok {
				return err
			}
			p.entries(page.Entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 10, "number of entries")
	return cmd
}
