package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/crm-mail/internal/email"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "mail.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	versions, err := s.Migrate(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, versions)
	return s
}

func sampleEnvelope() *email.Envelope {
	return &email.Envelope{
		From:     "sales@crm.test",
		To:       []string{"a@example.com", "b@example.com"},
		Cc:       []string{"c@example.com"},
		Bcc:      []string{"d@example.com"},
		Subject:  "Quarterly update",
		Text:     "numbers attached",
		HTML:     "<p>numbers attached</p>",
		Priority: email.PriorityHigh,
	}
}

func TestNewEmailRecordReadDefaults(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sent := NewEmailRecord(DirectionSent, "<1@crm.test>", sampleEnvelope(), now)
	assert.True(t, sent.IsRead, "sent mail starts read")
	assert.NotEmpty(t, sent.ID)

	inbound := NewEmailRecord(DirectionInbound, "<2@crm.test>", sampleEnvelope(), now)
	assert.False(t, inbound.IsRead, "inbound mail starts unread")

	msg := &email.Message{MessageID: "<3@example.com>", From: "x@example.com", Subject: "hi", Date: now.Add(-time.Hour)}
	rec := NewInboundRecord("INBOX", msg, now)
	assert.False(t, rec.IsRead)
	assert.Equal(t, "INBOX", rec.Mailbox)
	assert.Equal(t, now.Add(-time.Hour), rec.CreatedAt)
}

func TestCreateAndGetEmail(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := NewEmailRecord(DirectionSent, "<1@crm.test>", sampleEnvelope(), now)
	require.NoError(t, s.CreateEmail(ctx, rec))

	got, err := s.GetEmail(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestCreateEmailDuplicate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first := NewEmailRecord(DirectionInbound, "<dup@example.com>", sampleEnvelope(), time.Now())
	require.NoError(t, s.CreateEmail(ctx, first))

	second := NewEmailRecord(DirectionInbound, "<dup@example.com>", sampleEnvelope(), time.Now())
	assert.ErrorIs(t, s.CreateEmail(ctx, second), ErrDuplicate)

	// The same id in the other direction is a different record.
	sent := NewEmailRecord(DirectionSent, "<dup@example.com>", sampleEnvelope(), time.Now())
	assert.NoError(t, s.CreateEmail(ctx, sent))
}

func TestGetEmailNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetEmail(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEmails(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed := []struct {
		dir     Direction
		subject string
	}{
		{DirectionSent, "Invoice 100%"},
		{DirectionInbound, "Re: invoice"},
		{DirectionInbound, "Meeting notes"},
		{DirectionSent, "Welcome"},
	}
	for i, r := range seed {
		env := sampleEnvelope()
		env.Subject = r.subject
		rec := NewEmailRecord(r.dir, "<"+r.subject+"@crm.test>", env, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, s.CreateEmail(ctx, rec))
	}

	all, total, err := s.ListEmails(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 4)
	assert.Equal(t, "Welcome", all[0].Subject, "newest first")

	inbound, total, err := s.ListEmails(ctx, ListFilter{Direction: DirectionInbound})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, e := range inbound {
		assert.Equal(t, DirectionInbound, e.Direction)
	}

	unread, _, err := s.ListEmails(ctx, ListFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	found, total, err := s.ListEmails(ctx, ListFilter{Search: "invoice"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, found, 2)

	literal, _, err := s.ListEmails(ctx, ListFilter{Search: "100%"})
	require.NoError(t, err)
	require.Len(t, literal, 1)
	assert.Equal(t, "Invoice 100%", literal[0].Subject)

	page, total, err := s.ListEmails(ctx, ListFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 1)
	assert.Equal(t, "Meeting notes", page[0].Subject)
}

func TestMarkReadAndDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rec := NewEmailRecord(DirectionInbound, "<1@example.com>", sampleEnvelope(), time.Now())
	require.NoError(t, s.CreateEmail(ctx, rec))

	require.NoError(t, s.MarkRead(ctx, rec.ID, true))
	got, err := s.GetEmail(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRead)

	require.NoError(t, s.MarkRead(ctx, rec.ID, false))
	got, err = s.GetEmail(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.IsRead)

	require.NoError(t, s.DeleteEmail(ctx, rec.ID))
	assert.ErrorIs(t, s.DeleteEmail(ctx, rec.ID), ErrNotFound)
	assert.ErrorIs(t, s.MarkRead(ctx, rec.ID, true), ErrNotFound)
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	versions, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, versions)
}
