package resend

import (
	"context"
	"errors"
	"testing"

	"github.com/resend/resend-go/v2"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/provider"
)

type mockEmails struct {
	last *resend.SendEmailRequest
	err  error
}

func (m *mockEmails) SendWithContext(_ context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	m.last = params
	if m.err != nil {
		return nil, m.err
	}
	return &resend.SendEmailResponse{Id: "re_123"}, nil
}

func TestSendMapsEnvelope(t *testing.T) {
	t.Parallel()

	mock := &mockEmails{}
	p := NewWithClient(mock, "crm@crm.test")
	env := &email.Envelope{
		To:       []string{"a@example.com"},
		Cc:       []string{"c@example.com"},
		Bcc:      []string{"b@example.com"},
		Subject:  "Hi",
		Text:     "text",
		HTML:     "<p>html</p>",
		Priority: email.PriorityHigh,
	}

	id, err := p.Send(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "re_123" {
		t.Errorf("id: got %q, want %q", id, "re_123")
	}

	req := mock.last
	if req.From != "crm@crm.test" {
		t.Errorf("From: got %q", req.From)
	}
	if len(req.Cc) != 1 || len(req.Bcc) != 1 {
		t.Errorf("copies not forwarded: cc=%v bcc=%v", req.Cc, req.Bcc)
	}
	if req.Html != "<p>html</p>" || req.Text != "text" {
		t.Errorf("bodies: got %q / %q", req.Text, req.Html)
	}
	if got := req.Headers["X-Priority"]; got != "1 (Highest)" {
		t.Errorf("X-Priority: got %q", got)
	}
}

func TestSendNormalPriorityHasNoHeaders(t *testing.T) {
	t.Parallel()

	mock := &mockEmails{}
	if _, err := NewWithClient(mock, "").Send(context.Background(), &email.Envelope{From: "x@crm.test"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.last.Headers != nil {
		t.Errorf("unexpected headers %v", mock.last.Headers)
	}
	if mock.last.From != "x@crm.test" {
		t.Errorf("From: got %q", mock.last.From)
	}
}

func TestSendError(t *testing.T) {
	t.Parallel()

	boom := errors.New("invalid api key")
	_, err := NewWithClient(&mockEmails{err: boom}, "").Send(context.Background(), &email.Envelope{})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped %v", err, boom)
	}
}

func TestProviderInterface(t *testing.T) {
	t.Parallel()
	var _ provider.Provider = (*Provider)(nil)
}
