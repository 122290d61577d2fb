// Package store persists sent and received mail in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shineum/crm-mail/internal/email"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	ErrNotFound  = errors.New("email not found")
	ErrDuplicate = errors.New("email already stored")
)

// Direction tells sent mail from mail read off the IMAP server.
type Direction string

const (
	DirectionSent    Direction = "sent"
	DirectionInbound Direction = "inbound"
)

// Email is one stored message.
type Email struct {
	ID        string         `json:"id"`
	Direction Direction      `json:"direction"`
	MessageID string         `json:"message_id"`
	Mailbox   string         `json:"mailbox,omitempty"`
	From      string         `json:"from"`
	To        []string       `json:"to"`
	Cc        []string       `json:"cc,omitempty"`
	Bcc       []string       `json:"bcc,omitempty"`
	Subject   string         `json:"subject"`
	TextBody  string         `json:"text_body,omitempty"`
	HTMLBody  string         `json:"html_body,omitempty"`
	Priority  email.Priority `json:"priority"`
	IsRead    bool           `json:"is_read"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEmailRecord builds a record for env. Sent mail starts read; inbound
// mail starts unread.
func NewEmailRecord(dir Direction, messageID string, env *email.Envelope, now time.Time) *Email {
	return &Email{
		ID:        uuid.NewString(),
		Direction: dir,
		MessageID: messageID,
		From:      env.From,
		To:        env.To,
		Cc:        env.Cc,
		Bcc:       env.Bcc,
		Subject:   env.Subject,
		TextBody:  env.Text,
		HTMLBody:  env.HTML,
		Priority:  email.ParsePriority(string(env.Priority)),
		IsRead:    dir == DirectionSent,
		CreatedAt: now.UTC(),
	}
}

// NewInboundRecord builds an unread inbound record from a parsed message.
func NewInboundRecord(mailbox string, msg *email.Message, now time.Time) *Email {
	rec := NewEmailRecord(DirectionInbound, msg.MessageID, &email.Envelope{
		From:     msg.From,
		To:       msg.To,
		Cc:       msg.Cc,
		Subject:  msg.Subject,
		Text:     msg.TextBody,
		HTML:     msg.HTMLBody,
		Priority: msg.Priority,
	}, now)
	rec.Mailbox = mailbox
	if !msg.Date.IsZero() {
		rec.CreatedAt = msg.Date.UTC()
	}
	return rec
}

// ListFilter narrows ListEmails. A zero Limit means DefaultLimit.
type ListFilter struct {
	Direction  Direction
	UnreadOnly bool
	Search     string
	Limit      int
	Offset     int
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Queries are traced
// through otelsql.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := otelsql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000",
		otelsql.WithAttributes(attribute.String("db.system", "sqlite")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
	// and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies all pending migrations and returns the versions applied.
func (s *Store) Migrate(ctx context.Context) ([]int64, error) {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	versions := make([]int64, 0, len(results))
	for _, r := range results {
		versions = append(versions, r.Source.Version)
	}
	return versions, nil
}

const columns = `id, direction, message_id, mailbox, from_addr, to_addrs, cc_addrs, bcc_addrs,
	subject, text_body, html_body, priority, is_read, created_at`

// CreateEmail inserts e. A second record with the same direction and
// message id is rejected with ErrDuplicate.
func (s *Store) CreateEmail(ctx context.Context, e *Email) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.MessageID == "" {
		e.MessageID = "<" + e.ID + ">"
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO emails (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Direction, e.MessageID, e.Mailbox, e.From,
		joinAddrs(e.To), joinAddrs(e.Cc), joinAddrs(e.Bcc),
		e.Subject, e.TextBody, e.HTMLBody, string(e.Priority), e.IsRead, e.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert email: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *Store) GetEmail(ctx context.Context, id string) (*Email, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM emails WHERE id = ?`, id)
	e, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return e, nil
}

// ListEmails returns one page of emails, newest first, plus the number of
// rows matching f ignoring Limit and Offset.
func (s *Store) ListEmails(ctx context.Context, f ListFilter) ([]*Email, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, f.Direction)
	}
	if f.UnreadOnly {
		where = append(where, "is_read = 0")
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		like := "%" + escapeLike(q) + "%"
		where = append(where, `(subject LIKE ? ESCAPE '\' OR from_addr LIKE ? ESCAPE '\' OR to_addrs LIKE ? ESCAPE '\' OR text_body LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like, like)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM emails`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count emails: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)
	offset := max(f.Offset, 0)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM emails`+clause+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list emails: %w", err)
	}
	defer rows.Close()

	emails := []*Email{}
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list emails: %w", err)
	}
	return emails, total, nil
}

func (s *Store) MarkRead(ctx context.Context, id string, read bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE emails SET is_read = ? WHERE id = ?`, read, id)
	if err != nil {
		return fmt.Errorf("failed to update email: %w", err)
	}
	return expectOne(res)
}

func (s *Store) DeleteEmail(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete email: %w", err)
	}
	return expectOne(res)
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmail(row scanner) (*Email, error) {
	var (
		e                 Email
		to, cc, bcc, prio string
		created           int64
	)
	err := row.Scan(&e.ID, &e.Direction, &e.MessageID, &e.Mailbox, &e.From,
		&to, &cc, &bcc, &e.Subject, &e.TextBody, &e.HTMLBody, &prio, &e.IsRead, &created)
	if err != nil {
		return nil, err
	}
	e.To = splitAddrs(to)
	e.Cc = splitAddrs(cc)
	e.Bcc = splitAddrs(bcc)
	e.Priority = email.ParsePriority(prio)
	e.CreatedAt = time.UnixMilli(created).UTC()
	return &e, nil
}

func joinAddrs(addrs []string) string {
	return strings.Join(addrs, ",")
}

func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
