package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shineum/crm-mail/internal/config"
	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/sink"
	"github.com/shineum/crm-mail/internal/store"
)

func execCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crm-mail.db")
	t.Setenv("DATABASE_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func TestMigrateCommand(t *testing.T) {
	setDatabase(t)

	out, err := execCmd(t, "migrate")
	if err != nil {
		t.Fatalf("migrate: %v, output=%s", err, out)
	}
	if !strings.Contains(out, "applied migration 00001") || !strings.Contains(out, "applied migration 00002") {
		t.Errorf("got %q, want both migrations applied", out)
	}

	out, err = execCmd(t, "migrate")
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("got %q, want up to date", out)
	}
}

func TestSendCommandStdout(t *testing.T) {
	path := setDatabase(t)
	t.Setenv("PROVIDER", "stdout")
	t.Setenv("SMTP_FROM", "crm@example.com")

	out, err := execCmd(t, "send",
		"--to", "Customer@Example.com",
		"--cc", "manager@example.com",
		"--subject", "Quote",
		"--text", "Attached.",
		"--priority", "high",
	)
	if err != nil {
		t.Fatalf("send: %v, output=%s", err, out)
	}
	for _, want := range []string{
		"From: crm@example.com",
		"To: Customer@example.com",
		"Cc: manager@example.com",
		"Subject: Quote",
		"Priority: high",
		"email sent successfully: <",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	st, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	emails, total, err := st.ListEmails(context.Background(), store.ListFilter{Direction: store.DirectionSent})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("got %d sent records, want 1", total)
	}
	if !emails[0].IsRead {
		t.Error("sent record should start read")
	}
	if emails[0].Subject != "Quote" {
		t.Errorf("got subject %q, want %q", emails[0].Subject, "Quote")
	}
}

func TestSendCommandValidation(t *testing.T) {
	setDatabase(t)
	t.Setenv("PROVIDER", "stdout")
	t.Setenv("SMTP_FROM", "crm@example.com")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no body", []string{"send", "--to", "a@example.com"}, "--text or --html"},
		{"bad recipient", []string{"send", "--to", "not-an-address", "--text", "x"}, "not-an-address"},
		{"missing to", []string{"send", "--text", "x"}, "to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execCmd(t, tt.args...)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSendCommandUnconfiguredSMTP(t *testing.T) {
	setDatabase(t)
	t.Setenv("PROVIDER", "smtp")
	t.Setenv("SMTP_HOST", "")

	_, err := execCmd(t, "send", "--from", "crm@example.com", "--to", "a@example.com", "--text", "x")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("got %v, want not configured", err)
	}
}

func TestInboxCommandUnconfigured(t *testing.T) {
	setDatabase(t)
	t.Setenv("IMAP_HOST", "")

	_, err := execCmd(t, "inbox", "mailboxes")
	if err == nil || !strings.Contains(err.Error(), "IMAP_HOST") {
		t.Errorf("got %v, want IMAP_HOST hint", err)
	}
}

func TestStoreDeliverer(t *testing.T) {
	t.Parallel()

	st, err := store.Open(filepath.Join(t.TempDir(), "sink.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()
	if _, err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	d := sink.Delivery{
		MailFrom:   "sender@example.com",
		Recipients: []string{"bcc-only@example.com"},
		Message: &email.Message{
			MessageID: "<one@example.com>",
			Subject:   "Hello",
			TextBody:  "hi",
		},
		ReceivedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	deliver := storeDeliverer(st)
	if err := deliver.Deliver(ctx, d); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// Same Message-ID again is accepted and dropped.
	if err := deliver.Deliver(ctx, d); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	emails, total, err := st.ListEmails(ctx, store.ListFilter{Direction: store.DirectionInbound})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("got %d inbound records, want 1", total)
	}
	got := emails[0]
	if got.From != "sender@example.com" {
		t.Errorf("got from %q, want envelope sender", got.From)
	}
	if len(got.To) != 1 || got.To[0] != "bcc-only@example.com" {
		t.Errorf("got to %v, want envelope recipients", got.To)
	}
	if got.Mailbox != "sink" || got.IsRead {
		t.Errorf("got mailbox %q read=%v, want unread sink record", got.Mailbox, got.IsRead)
	}
}

func TestSelectProviderSMTPRelayWithoutLogin(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Provider: "smtp",
		SMTP:     config.SMTPConfig{Host: "relay.internal", Port: 25, Security: "starttls", From: "crm@example.com"},
	}
	p, err := selectProvider(context.Background(), cfg, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("selectProvider: %v", err)
	}
	if p.Name() != "smtp" {
		t.Errorf("got provider %q, want smtp", p.Name())
	}

	cfg.SMTP.Username = "half-configured"
	if _, err := selectProvider(context.Background(), cfg, &bytes.Buffer{}); err == nil {
		t.Error("username without password: expected error")
	}
}

func TestInboxReaderUsesIMAPCAFile(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "missing-ca.pem")
	cfg := &config.Config{
		SMTP: config.SMTPConfig{CAFile: missing},
		IMAP: config.IMAPConfig{Host: "imap.example.com", Port: 993, Security: "tls", Username: "u", Password: "p"},
	}

	reader, err := inboxReader(cfg)
	if err != nil {
		t.Fatalf("SMTP CA file must not affect IMAP: %v", err)
	}
	if reader == nil {
		t.Fatal("expected a reader")
	}

	cfg.IMAP.CAFile = missing
	if _, err := inboxReader(cfg); err == nil || !strings.Contains(err.Error(), "CA file") {
		t.Errorf("got %v, want CA file error", err)
	}
}
