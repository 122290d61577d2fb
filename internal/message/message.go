// Package message renders an email.Envelope as an RFC 5322 document with a
// multipart/alternative body.
package message

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/shineum/crm-mail/internal/email"
)

// Boundary separates the text and HTML parts of every message built here.
const Boundary = "crm-mail-alternative-boundary"

// Build renders env with the given Message-ID and Date. Every line of the
// result ends in CRLF. Dot-stuffing and the end-of-data marker are the
// transport's job.
func Build(env *email.Envelope, messageID string, date time.Time) ([]byte, error) {
	var buf bytes.Buffer

	header := func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	header("Message-ID", messageID)
	header("Date", date.Format(time.RFC1123Z))
	header("From", env.From)
	header("To", strings.Join(env.To, ", "))
	if len(env.Cc) > 0 {
		header("Cc", strings.Join(env.Cc, ", "))
	}
	header("Subject", mime.QEncoding.Encode("utf-8", env.Subject))
	header("MIME-Version", "1.0")
	header("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", Boundary))
	if v := env.Priority.Header(); v != "" {
		header("X-Priority", v)
	}
	buf.WriteString("\r\n")

	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary(Boundary); err != nil {
		return nil, fmt.Errorf("failed to set boundary: %w", err)
	}
	if err := writeTextPart(mw, "text/plain", env.Text); err != nil {
		return nil, err
	}
	if err := writeTextPart(mw, "text/html", env.HTML); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	return buf.Bytes(), nil
}

func writeTextPart(mw *multipart.Writer, mediaType, body string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mediaType+"; charset=UTF-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", mediaType, err)
	}
	qp := quotedprintable.NewWriter(pw)
	if _, err := qp.Write([]byte(NormalizeLineEndings(body))); err != nil {
		return fmt.Errorf("failed to write %s part: %w", mediaType, err)
	}
	if err := qp.Close(); err != nil {
		return fmt.Errorf("failed to flush %s part: %w", mediaType, err)
	}
	return nil
}

// NormalizeLineEndings converts bare CR and bare LF to CRLF.
func NormalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

// DotStuff prepares data for the DATA phase: lines beginning with "." get
// an extra leading dot, the payload is guaranteed to end in CRLF, and the
// lone-dot terminator is appended.
func DotStuff(data []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(data) + 8)

	lineStart := true
	for _, b := range data {
		if lineStart && b == '.' {
			buf.WriteByte('.')
		}
		buf.WriteByte(b)
		lineStart = b == '\n'
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\r\n")) {
		buf.WriteString("\r\n")
	}
	buf.WriteString(".\r\n")
	return buf.Bytes()
}
