package email

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var (
	ErrInvalidAddress = errors.New("invalid email address")
	ErrNoRecipients   = errors.New("at least one recipient is required")
)

// addressPattern is deliberately loose: local@domain.tld with no whitespace
// and a single @.
var addressPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeAddress validates addr and returns it with the domain converted to
// its ASCII (punycode) form, which is what goes on the wire in MAIL FROM and
// RCPT TO.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressPattern.MatchString(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}

	at := strings.LastIndexByte(addr, '@')
	local, domain := addr[:at], addr[at+1:]
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, addr, err)
	}
	return local + "@" + strings.ToLower(ascii), nil
}

// Domain returns the part of addr after the last @.
func Domain(addr string) string {
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		return addr[at+1:]
	}
	return ""
}

// ValidateEnvelope checks the sender and every recipient and returns a copy
// of env with all addresses normalized. The original is not modified.
func ValidateEnvelope(env *Envelope) (*Envelope, error) {
	out := *env
	from, err := NormalizeAddress(env.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	out.From = from

	if out.To, err = normalizeList("to", env.To); err != nil {
		return nil, err
	}
	if out.Cc, err = normalizeList("cc", env.Cc); err != nil {
		return nil, err
	}
	if out.Bcc, err = normalizeList("bcc", env.Bcc); err != nil {
		return nil, err
	}
	if len(out.To) == 0 {
		return nil, ErrNoRecipients
	}
	if out.Priority == "" {
		out.Priority = PriorityNormal
	}
	return &out, nil
}

func normalizeList(field string, list []string) ([]string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		n, err := NormalizeAddress(addr)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		out = append(out, n)
	}
	return out, nil
}
