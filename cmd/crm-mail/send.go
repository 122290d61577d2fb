package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/smtpclient"
	"github.com/shineum/crm-mail/internal/store"
)

func sendCmd(a *app) *cobra.Command {
	var (
		env      email.Envelope
		priority string
		timeout  time.Duration
		record   bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one email",
		Example: `  crm-mail send --to customer@example.com --subject "Quote" --text "Attached."
  crm-mail send --to a@example.com --cc b@example.com --html "<p>Hi</p>" --priority high`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if env.From == "" {
				env.From = defaultFrom(cfg)
			}
			if env.Text == "" && env.HTML == "" {
				return errors.New("one of --text or --html is required")
			}
			env.Priority = email.ParsePriority(priority)
			valid, err := email.ValidateEnvelope(&env)
			if err != nil {
				return err
			}

			prov, err := selectProvider(ctx, cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			messageID, err := prov.Send(ctx, valid)
			if err != nil {
				var serr *smtpclient.Error
				if errors.As(err, &serr) {
					return fmt.Errorf("send failed at %s: %w", serr.Step, err)
				}
				return fmt.Errorf("send failed: %w", err)
			}

			if record {
				st, err := openStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				if err := st.CreateEmail(ctx, store.NewEmailRecord(store.DirectionSent, messageID, valid, time.Now())); err != nil {
					return fmt.Errorf("sent, but failed to record: %w", err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "email sent successfully: %s\n", messageID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&env.From, "from", "", "sender address (defaults to the configured sender)")
	f.StringSliceVar(&env.To, "to", nil, "recipient address (repeatable)")
	f.StringSliceVar(&env.Cc, "cc", nil, "cc address (repeatable)")
	f.StringSliceVar(&env.Bcc, "bcc", nil, "bcc address (repeatable)")
	f.StringVar(&env.Subject, "subject", "", "subject line")
	f.StringVar(&env.Text, "text", "", "plain text body")
	f.StringVar(&env.HTML, "html", "", "HTML body")
	f.StringVar(&priority, "priority", "normal", "normal, high or low")
	f.DurationVar(&timeout, "timeout", 2*time.Minute, "overall send timeout")
	f.BoolVar(&record, "record", true, "store the sent email in the database")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
