// Package email defines the mail data model shared by the sender, the
// providers, the store and the inbox reader.
package email

import (
	"strings"
	"time"
)

// Priority is the importance marker carried in the X-Priority header.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityLow    Priority = "low"
)

// ParsePriority maps user input to a Priority. Unknown or empty values are
// treated as normal.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Header returns the X-Priority header value, or "" for normal priority.
func (p Priority) Header() string {
	switch p {
	case PriorityHigh:
		return "1 (Highest)"
	case PriorityLow:
		return "5 (Lowest)"
	default:
		return ""
	}
}

// Envelope is an outbound message: addressing plus the two body
// representations. It is treated as immutable once handed to a sender.
type Envelope struct {
	From     string   `json:"from"`
	To       []string `json:"to"`
	Cc       []string `json:"cc,omitempty"`
	Bcc      []string `json:"bcc,omitempty"`
	Subject  string   `json:"subject"`
	Text     string   `json:"text"`
	HTML     string   `json:"html"`
	Priority Priority `json:"priority,omitempty"`
}

// Recipients returns every envelope recipient in delivery order: to, then
// cc, then bcc. Blank entries are skipped.
func (e *Envelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc)+len(e.Bcc))
	for _, list := range [][]string{e.To, e.Cc, e.Bcc} {
		for _, addr := range list {
			if addr = strings.TrimSpace(addr); addr != "" {
				out = append(out, addr)
			}
		}
	}
	return out
}

// Message is a parsed RFC 5322 message as read back from a mailbox or
// received by the development sink.
type Message struct {
	MessageID  string
	From       string
	To         []string
	Cc         []string
	Subject    string
	Date       time.Time
	Priority   Priority
	TextBody   string
	HTMLBody   string
	RawHeaders map[string][]string
}
