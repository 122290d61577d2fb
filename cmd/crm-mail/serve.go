package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/crm-mail/internal/httpapi"
	"github.com/shineum/crm-mail/internal/inbox"
	"github.com/shineum/crm-mail/internal/mx"
)

func serveCmd(a *app) *cobra.Command {
	var (
		withSink     bool
		syncInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API. With --with-sink the development SMTP sink runs in
the same process, and with --sync-interval the IMAP inbox is copied into the
store periodically.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()

			st, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			prov, err := selectProvider(ctx, cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			deps := httpapi.Deps{Provider: prov, Store: st, Logger: slog.Default()}
			reader, err := inboxReader(cfg)
			if err != nil {
				return err
			}
			var syncer *inbox.Syncer
			if reader != nil {
				syncer = inbox.NewSyncer(reader, st)
				deps.Inbox = reader
				deps.Syncer = syncer
			}
			if cfg.SMTP.VerifyMX {
				deps.MX = mx.New(mx.Config{})
			}

			api := httpapi.New(httpapi.Config{
				DefaultFrom: defaultFrom(cfg),
				CORSOrigin:  cfg.HTTP.CORSOrigin,
				Mailboxes:   cfg.IMAP.Mailboxes,
				SyncLimit:   uint32(cfg.IMAP.SyncLimit),
			}, deps)

			slog.Info("starting crm-mail",
				"listen", cfg.HTTP.Listen,
				"provider", prov.Name(),
				"inbox_enabled", reader != nil,
				"verify_mx", cfg.SMTP.VerifyMX,
			)

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.ListenAndServe(ctx, cfg.HTTP.Listen)
			})
			if withSink {
				srv, err := newSink(cfg, st)
				if err != nil {
					return err
				}
				g.Go(func() error { return srv.ListenAndServe(ctx) })
			}
			if syncer != nil && syncInterval > 0 {
				g.Go(func() error {
					runPeriodicSync(ctx, syncer, cfg.IMAP.Mailboxes, uint32(cfg.IMAP.SyncLimit), syncInterval)
					return nil
				})
			}

			err = g.Wait()
			slog.Info("crm-mail stopped")
			return err
		},
	}
	cmd.Flags().BoolVar(&withSink, "with-sink", false, "also run the development SMTP sink")
	cmd.Flags().DurationVar(&syncInterval, "sync-interval", 0, "sync the IMAP inbox this often (0 disables)")
	return cmd
}

// runPeriodicSync syncs until ctx is done. Failures are logged and retried
// on the next tick.
func runPeriodicSync(ctx context.Context, syncer *inbox.Syncer, mailboxes []string, limit uint32, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := syncer.Sync(ctx, mailboxes, limit); err != nil && ctx.Err() == nil {
			slog.Warn("periodic inbox sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
