package email

import (
	"errors"
	"testing"
)

func TestRecipientsOrder(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		To:  []string{"a@example.com", " ", "b@example.com"},
		Cc:  []string{"c@example.com"},
		Bcc: []string{"d@example.com"},
	}
	got := env.Recipients()
	want := []string{"a@example.com", "b@example.com", "c@example.com", "d@example.com"}
	if len(got) != len(want) {
		t.Fatalf("got %d recipients, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("recipient[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	tests := map[string]Priority{
		"high":   PriorityHigh,
		" LOW ":  PriorityLow,
		"normal": PriorityNormal,
		"":       PriorityNormal,
		"urgent": PriorityNormal,
	}
	for in, want := range tests {
		if got := ParsePriority(in); got != want {
			t.Errorf("ParsePriority(%q) = %q, want %q", in, got, want)
		}
	}
	if PriorityNormal.Header() != "" {
		t.Errorf("normal priority should not produce a header")
	}
	if got := PriorityHigh.Header(); got != "1 (Highest)" {
		t.Errorf("got %q, want %q", got, "1 (Highest)")
	}
}

func TestNormalizeAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "user@example.com", want: "user@example.com"},
		{in: "  User@Example.COM ", want: "User@example.com"},
		{in: "kim@bücher.de", want: "kim@xn--bcher-kva.de"},
		{in: "no-at-sign", wantErr: true},
		{in: "two@@example.com", wantErr: true},
		{in: "space in@example.com", wantErr: true},
		{in: "user@localhost", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeAddress(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Fatalf("expected ErrInvalidAddress, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateEnvelope(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		From: "sales@example.com",
		To:   []string{"Lead@Example.org"},
		Cc:   []string{""},
	}
	got, err := ValidateEnvelope(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To[0] != "Lead@example.org" {
		t.Errorf("got %q, want %q", got.To[0], "Lead@example.org")
	}
	if len(got.Cc) != 0 {
		t.Errorf("blank cc entries should be dropped, got %v", got.Cc)
	}
	if got.Priority != PriorityNormal {
		t.Errorf("got priority %q, want %q", got.Priority, PriorityNormal)
	}
	if env.To[0] != "Lead@Example.org" {
		t.Errorf("original envelope was modified")
	}

	if _, err := ValidateEnvelope(&Envelope{From: "a@example.com"}); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("expected ErrNoRecipients, got %v", err)
	}
	if _, err := ValidateEnvelope(&Envelope{From: "a@example.com", To: []string{"x@y.z"}, Bcc: []string{"bad"}}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress for bcc, got %v", err)
	}
}
