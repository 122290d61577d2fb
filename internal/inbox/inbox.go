// Package inbox reads mail from an IMAP server: mailbox listing, header
// summaries over a sequence range, single messages and individual body
// parts. Every call opens its own session and logs out before returning.
package inbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/shineum/crm-mail/internal/email"
	"github.com/shineum/crm-mail/internal/parser"
)

var (
	ErrNotConfigured   = errors.New("imap server not configured")
	ErrMessageNotFound = errors.New("message not found")
	ErrPartNotFound    = errors.New("body part not found")
)

const (
	defaultTimeout = 30 * time.Second
	fetchBuffer    = 10
)

// Security selects how the IMAP connection is encrypted.
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	SecurityNone     Security = "none"
)

type Config struct {
	Host      string
	Port      int
	Security  Security
	Username  string
	Password  string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

func (c Config) address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Mailbox is one entry of the server's folder list.
type Mailbox struct {
	Name       string   `json:"name"`
	Delimiter  string   `json:"delimiter"`
	Attributes []string `json:"attributes,omitempty"`
}

// Summary describes a message without its body.
type Summary struct {
	SeqNum  uint32    `json:"seq"`
	UID     uint32    `json:"uid"`
	Subject string    `json:"subject"`
	From    string    `json:"from"`
	Date    time.Time `json:"date"`
	Seen    bool      `json:"seen"`
	Size    uint32    `json:"size"`
}

// Fetched is a full message together with its summary.
type Fetched struct {
	Summary
	Raw     []byte
	Message *email.Message
}

// Reader talks to one IMAP account.
type Reader struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Reader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Security == "" {
		cfg.Security = SecurityTLS
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{cfg: cfg, logger: logger.With("imap_host", cfg.address())}
}

// connect dials, upgrades and logs in. Cancelling ctx closes the
// connection under any command in flight.
func (r *Reader) connect(ctx context.Context) (*client.Client, func(), error) {
	if r.cfg.Host == "" {
		return nil, nil, ErrNotConfigured
	}

	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.cfg.address())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if r.cfg.Security == SecurityTLS {
		tlsConn := tls.Client(conn, r.tlsConfig())
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("IMAP TLS handshake failed: %w", err)
		}
		conn = tlsConn
	}

	c, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to read IMAP greeting: %w", err)
	}
	c.Timeout = r.cfg.Timeout
	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })

	release := func() {
		stop()
		if err := c.Logout(); err != nil {
			r.logger.Debug("IMAP logout failed", "error", err)
			_ = c.Terminate()
		}
	}

	if r.cfg.Security == SecurityStartTLS {
		if err := c.StartTLS(r.tlsConfig()); err != nil {
			release()
			return nil, nil, fmt.Errorf("IMAP STARTTLS failed: %w", err)
		}
	}
	if err := c.Login(r.cfg.Username, r.cfg.Password); err != nil {
		release()
		return nil, nil, fmt.Errorf("IMAP login failed: %w", err)
	}
	return c, release, nil
}

func (r *Reader) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if r.cfg.TLSConfig != nil {
		cfg = r.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.ServerName = r.cfg.Host
	return cfg
}

// ListMailboxes returns every mailbox visible to the account.
func (r *Reader) ListMailboxes(ctx context.Context) ([]Mailbox, error) {
	c, release, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	infos := make(chan *imap.MailboxInfo, fetchBuffer)
	done := make(chan error, 1)
	go func() { done <- c.List("", "*", infos) }()

	var boxes []Mailbox
	for info := range infos {
		boxes = append(boxes, Mailbox{
			Name:       info.Name,
			Delimiter:  info.Delimiter,
			Attributes: info.Attributes,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	return boxes, nil
}

// FetchRange returns summaries for sequence numbers from..to inclusive,
// clamped to the mailbox size. A zero to means the last message.
func (r *Reader) FetchRange(ctx context.Context, mailbox string, from, to uint32) ([]Summary, error) {
	c, release, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	status, err := c.Select(mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	seqset, ok := clampRange(from, to, status.Messages)
	if !ok {
		return []Summary{}, nil
	}

	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchRFC822Size}
	var out []Summary
	err = fetch(c, false, seqset, items, func(msg *imap.Message) error {
		out = append(out, summarize(msg))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns summaries of the newest n messages, newest last.
func (r *Reader) Latest(ctx context.Context, mailbox string, n uint32) ([]Summary, error) {
	c, release, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	status, err := c.Select(mailbox, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	seqset, ok := latestRange(n, status.Messages)
	if !ok {
		return []Summary{}, nil
	}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchRFC822Size}
	var out []Summary
	err = fetch(c, false, seqset, items, func(msg *imap.Message) error {
		out = append(out, summarize(msg))
		return nil
	})
	return out, err
}

// FetchMessage downloads and parses the message with the given UID. The
// \Seen flag is left untouched.
func (r *Reader) FetchMessage(ctx context.Context, mailbox string, uid uint32) (*Fetched, error) {
	c, release, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := c.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	var found *Fetched
	err = fetchFull(c, true, seqset, func(f *Fetched) error {
		found = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrMessageNotFound
	}
	return found, nil
}

// DownloadPart returns the decoded-as-stored content of one MIME part.
// path is the dotted part number ("1", "2.1"), as in BODY[1.2].
func (r *Reader) DownloadPart(ctx context.Context, mailbox string, uid uint32, path string) ([]byte, error) {
	parts, err := ParsePartPath(path)
	if err != nil {
		return nil, err
	}

	c, release, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := c.Select(mailbox, true); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Path: parts}, Peek: true}
	var (
		content []byte
		seen    bool
	)
	err = fetch(c, true, seqset, []imap.FetchItem{section.FetchItem()}, func(msg *imap.Message) error {
		seen = true
		body := msg.GetBody(section)
		if body == nil {
			return nil
		}
		var err error
		content, err = io.ReadAll(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !seen {
		return nil, ErrMessageNotFound
	}
	if content == nil {
		return nil, ErrPartNotFound
	}
	return content, nil
}

// ParsePartPath parses a dotted MIME part number. An empty path selects
// the whole message.
func ParsePartPath(path string) ([]int, error) {
	if path == "" {
		return nil, nil
	}
	fields := strings.Split(path, ".")
	parts := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid part path %q", path)
		}
		parts = append(parts, n)
	}
	return parts, nil
}

// fetch runs FETCH (or UID FETCH) and calls fn for every message. fn's
// first error is returned after the command completes.
func fetch(c *client.Client, uid bool, seqset *imap.SeqSet, items []imap.FetchItem, fn func(*imap.Message) error) error {
	messages := make(chan *imap.Message, fetchBuffer)
	done := make(chan error, 1)
	go func() {
		if uid {
			done <- c.UidFetch(seqset, items, messages)
		} else {
			done <- c.Fetch(seqset, items, messages)
		}
	}()

	var fnErr error
	for msg := range messages {
		if fnErr == nil {
			fnErr = fn(msg)
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return fnErr
}

// fetchFull fetches whole messages and parses them.
func fetchFull(c *client.Client, uid bool, seqset *imap.SeqSet, fn func(*Fetched) error) error {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchRFC822Size, section.FetchItem()}
	return fetch(c, uid, seqset, items, func(msg *imap.Message) error {
		body := msg.GetBody(section)
		if body == nil {
			return fmt.Errorf("server returned no body for uid %d", msg.Uid)
		}
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, body); err != nil {
			return fmt.Errorf("failed to read body of uid %d: %w", msg.Uid, err)
		}
		parsed, err := parser.Parse(buf.Bytes())
		if err != nil {
			return fmt.Errorf("uid %d: %w", msg.Uid, err)
		}
		return fn(&Fetched{Summary: summarize(msg), Raw: buf.Bytes(), Message: parsed})
	})
}

func summarize(msg *imap.Message) Summary {
	s := Summary{SeqNum: msg.SeqNum, UID: msg.Uid, Size: msg.Size}
	if env := msg.Envelope; env != nil {
		s.Subject = env.Subject
		s.Date = env.Date
		if len(env.From) > 0 {
			s.From = formatAddress(env.From[0])
		}
	}
	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			s.Seen = true
		}
	}
	return s
}

func formatAddress(a *imap.Address) string {
	addr := a.MailboxName
	if a.HostName != "" {
		addr += "@" + a.HostName
	}
	if a.PersonalName != "" {
		return fmt.Sprintf("%s <%s>", a.PersonalName, addr)
	}
	return addr
}

func clampRange(from, to, total uint32) (*imap.SeqSet, bool) {
	if total == 0 {
		return nil, false
	}
	if from == 0 {
		from = 1
	}
	if to == 0 || to > total {
		to = total
	}
	if from > to {
		return nil, false
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, to)
	return seqset, true
}

func latestRange(n, total uint32) (*imap.SeqSet, bool) {
	if n == 0 || total == 0 {
		return nil, false
	}
	from := uint32(1)
	if total > n {
		from = total - n + 1
	}
	return clampRange(from, total, total)
}
