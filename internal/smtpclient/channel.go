package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	maxReplyLine   = 2048
	readBufferSize = 4096
)

var (
	ErrMalformedReply = errors.New("malformed reply")
	ErrReplyTooLong   = errors.New("reply line too long")
	// ErrPipelinedTLS means the server sent bytes after its STARTTLS reply
	// and before the handshake, which could be injected plaintext.
	ErrPipelinedTLS = errors.New("unexpected data before TLS handshake")
)

// Conn is the byte stream a session speaks over. Both the plain TCP socket
// and the TLS client wrapped around it satisfy Conn, so the session never
// needs to know which one is active.
type Conn interface {
	io.ReadWriteCloser
}

// Reply is one complete server response. Lines holds the text after the
// code on every line; only the final line's code is kept.
type Reply struct {
	Code  int
	Lines []string
}

func (r Reply) String() string {
	return strconv.Itoa(r.Code) + " " + strings.Join(r.Lines, " ")
}

// channel wraps the active Conn with line buffering. raw is the TCP socket
// underneath and never changes, which lets deadlines and forced closes
// reach it from any goroutine while conn is swapped at STARTTLS.
type channel struct {
	raw    net.Conn
	conn   Conn
	r      *bufio.Reader
	w      *bufio.Writer
	secure bool
}

func newChannel(raw net.Conn) *channel {
	c := &channel{raw: raw}
	c.use(raw)
	return c
}

// use makes conn the active stream and rebuilds the buffers around it.
func (c *channel) use(conn Conn) {
	c.conn = conn
	c.r = bufio.NewReaderSize(conn, readBufferSize)
	c.w = bufio.NewWriter(conn)
}

// readReply blocks until a full, possibly multiline, reply has arrived or
// timeout passes without one.
func (c *channel) readReply(timeout time.Duration) (Reply, error) {
	if err := c.raw.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Reply{}, err
	}

	var reply Reply
	for {
		line, err := c.readLine()
		if err != nil {
			return Reply{}, err
		}
		if len(line) < 3 || (len(line) > 3 && line[3] != ' ' && line[3] != '-') {
			return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil || code < 100 || code > 599 {
			return Reply{}, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		if len(reply.Lines) > 0 && code != reply.Code {
			return Reply{}, fmt.Errorf("%w: code changed from %d to %d mid-reply", ErrMalformedReply, reply.Code, code)
		}

		reply.Code = code
		text := ""
		if len(line) > 4 {
			text = line[4:]
		}
		reply.Lines = append(reply.Lines, text)

		if len(line) == 3 || line[3] == ' ' {
			return reply, nil
		}
	}
}

// readLine returns the next line without its terminator. CRLF and bare LF
// are both accepted.
func (c *channel) readLine() (string, error) {
	line, err := c.r.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return "", ErrReplyTooLong
	case errors.Is(err, io.EOF) && len(line) > 0:
		return "", io.ErrUnexpectedEOF
	case err != nil:
		return "", err
	}
	if len(line) > maxReplyLine {
		return "", ErrReplyTooLong
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

// writeLine sends one command followed by CRLF.
func (c *channel) writeLine(timeout time.Duration, line string) error {
	if err := c.raw.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if _, err := c.w.WriteString("\r\n"); err != nil {
		return err
	}
	return c.w.Flush()
}

// writeData sends an already dot-stuffed DATA payload.
func (c *channel) writeData(timeout time.Duration, data []byte) error {
	if err := c.raw.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return c.w.Flush()
}

// upgrade runs a TLS client handshake over the existing socket and makes
// the encrypted stream the active Conn. The plain handle is not used again.
func (c *channel) upgrade(ctx context.Context, cfg *tls.Config, timeout time.Duration) error {
	if c.r.Buffered() > 0 {
		return ErrPipelinedTLS
	}
	if err := c.raw.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	tlsConn := tls.Client(c.raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}

	c.use(tlsConn)
	c.secure = true
	return nil
}

// close shuts the socket. It is safe to call from another goroutine and
// more than once.
func (c *channel) close() error {
	return c.raw.Close()
}
