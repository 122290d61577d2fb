package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shineum/crm-mail/internal/inbox"
)

func inboxCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Read the IMAP inbox",
	}
	cmd.AddCommand(inboxSyncCmd(a))
	cmd.AddCommand(inboxMailboxesCmd(a))
	return cmd
}

func inboxSyncCmd(a *app) *cobra.Command {
	var (
		mailboxes []string
		limit     uint32
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy the newest messages into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := inboxReader(a.cfg)
			if err != nil {
				return err
			}
			if reader == nil {
				return fmt.Errorf("%w: IMAP_HOST, IMAP_USER and IMAP_PASSWORD are required", inbox.ErrNotConfigured)
			}
			st, err := openStore(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if len(mailboxes) == 0 {
				mailboxes = a.cfg.IMAP.Mailboxes
			}
			if limit == 0 {
				limit = uint32(a.cfg.IMAP.SyncLimit)
			}
			res, err := inbox.NewSyncer(reader, st).Sync(cmd.Context(), mailboxes, limit)
			fmt.Fprintf(cmd.OutOrStdout(), "fetched %d, stored %d, skipped %d\n", res.Fetched, res.Stored, res.Skipped)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&mailboxes, "mailbox", nil, "mailbox to sync (repeatable, defaults to the configured list)")
	cmd.Flags().Uint32Var(&limit, "limit", 0, "newest messages per mailbox (defaults to the configured limit)")
	return cmd
}

func inboxMailboxesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mailboxes",
		Short: "List mailboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := inboxReader(a.cfg)
			if err != nil {
				return err
			}
			if reader == nil {
				return fmt.Errorf("%w: IMAP_HOST, IMAP_USER and IMAP_PASSWORD are required", inbox.ErrNotConfigured)
			}
			boxes, err := reader.ListMailboxes(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(boxes)
		},
	}
}
