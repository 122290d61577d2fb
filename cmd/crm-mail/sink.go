package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shineum/crm-mail/internal/config"
	"github.com/shineum/crm-mail/internal/sink"
	"github.com/shineum/crm-mail/internal/store"
	certs "github.com/shineum/crm-mail/internal/tls"
)

func sinkCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sink",
		Short: "Run the development SMTP sink",
		Long: `Run a local SMTP server that accepts mail (STARTTLS, AUTH PLAIN/LOGIN)
and stores every message as an inbound email instead of relaying it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			srv, err := newSink(a.cfg, st)
			if err != nil {
				return err
			}
			return srv.ListenAndServe(cmd.Context())
		},
	}
}

// newSink builds a sink whose deliveries land in st.
func newSink(cfg *config.Config, st *store.Store) (*sink.Server, error) {
	tlsConfig, err := certs.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Sink.Hostname)
	if err != nil {
		return nil, err
	}
	return sink.New(sink.Config{
		Addr:           cfg.Sink.Listen,
		Hostname:       cfg.Sink.Hostname,
		TLSConfig:      tlsConfig,
		Username:       cfg.Sink.Username,
		Password:       cfg.Sink.Password,
		RejectDomains:  cfg.Sink.RejectDomains,
		MaxMessageSize: int(cfg.Sink.MaxMessageSize),
		Deliverer:      storeDeliverer(st),
		Logger:         slog.Default(),
	}), nil
}

// storeDeliverer records each accepted message as unread inbound mail. A
// redelivered Message-ID is accepted and dropped.
func storeDeliverer(st *store.Store) sink.Deliverer {
	return sink.DelivererFunc(func(ctx context.Context, d sink.Delivery) error {
		rec := store.NewInboundRecord("sink", d.Message, d.ReceivedAt)
		if len(rec.To) == 0 {
			rec.To = d.Recipients
		}
		if rec.From == "" {
			rec.From = d.MailFrom
		}
		if err := st.CreateEmail(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
		return nil
	})
}
