package sink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/crm-mail/internal/parser"
)

type phase int

const (
	phaseConnected phase = iota
	phaseGreeted
	phaseAuthenticated
	phaseMail
	phaseRcpt
)

var errMessageTooLarge = errors.New("message exceeds maximum size")

// session handles one client connection.
type session struct {
	srv    *Server
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	logger *slog.Logger

	phase     phase
	tlsActive bool

	mailFrom string
	rcptTo   []string
}

func newSession(srv *Server, conn net.Conn) *session {
	s := &session{
		srv:    srv,
		conn:   conn,
		logger: srv.logger.With("remote", conn.RemoteAddr().String()),
	}
	s.useConn(conn)
	return s
}

func (s *session) useConn(conn net.Conn) {
	s.conn = conn
	s.r = bufio.NewReader(conn)
	s.w = bufio.NewWriter(conn)
}

func (s *session) serve(ctx context.Context) {
	defer s.conn.Close()

	s.reply("220 %s ESMTP crm-mail sink", s.srv.cfg.Hostname)

	for {
		if ctx.Err() != nil {
			s.reply("421 4.3.2 Service shutting down")
			return
		}

		line, err := s.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}
		if line == "" {
			continue
		}

		verb, arg, _ := strings.Cut(line, " ")
		if s.dispatch(ctx, strings.ToUpper(verb), arg) {
			return
		}
	}
}

// dispatch runs one command and reports whether the session is over.
func (s *session) dispatch(ctx context.Context, verb, arg string) bool {
	switch verb {
	case "EHLO", "HELO":
		s.hello(verb, arg)
	case "STARTTLS":
		return s.startTLS()
	case "AUTH":
		s.auth(arg)
	case "MAIL":
		s.mail(arg)
	case "RCPT":
		s.rcpt(arg)
	case "DATA":
		return s.data(ctx)
	case "RSET":
		s.reset()
		s.reply("250 2.0.0 OK")
	case "NOOP":
		s.reply("250 2.0.0 OK")
	case "QUIT":
		s.reply("221 2.0.0 Bye")
		return true
	default:
		s.reply("500 5.5.2 Unrecognized command")
	}
	return false
}

func (s *session) hello(verb, arg string) {
	if arg == "" {
		s.reply("501 5.5.4 Syntax: %s hostname", verb)
		return
	}
	s.reset()
	s.phase = phaseGreeted
	if verb == "HELO" {
		s.reply("250 %s", s.srv.cfg.Hostname)
		return
	}

	lines := []string{fmt.Sprintf("%s greets %s", s.srv.cfg.Hostname, arg)}
	if s.srv.cfg.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.srv.creds.enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, fmt.Sprintf("SIZE %d", s.srv.cfg.MaxMessageSize), "8BITMIME")
	s.multiline(250, lines)
}

// startTLS upgrades the connection. A failed handshake ends the session.
func (s *session) startTLS() bool {
	switch {
	case s.srv.cfg.TLSConfig == nil:
		s.reply("454 4.7.0 TLS not available")
		return false
	case s.tlsActive:
		s.reply("503 5.5.1 TLS already active")
		return false
	}

	s.reply("220 2.0.0 Ready to start TLS")
	tlsConn := tls.Server(s.conn, s.srv.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Warn("TLS handshake failed", "error", err)
		return true
	}
	s.useConn(tlsConn)
	s.tlsActive = true
	s.phase = phaseConnected
	return false
}

func (s *session) auth(arg string) {
	switch {
	case s.phase < phaseGreeted:
		s.reply("503 5.5.1 Send EHLO first")
		return
	case !s.srv.creds.enabled():
		s.reply("503 5.5.1 AUTH not available")
		return
	case s.phase >= phaseAuthenticated:
		s.reply("503 5.5.1 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			if initial, err = s.challenge(""); err != nil {
				return
			}
		}
		err = s.srv.creds.verifyPlain(initial)
	case "LOGIN":
		var user, pass string
		if user, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return
		}
		if pass, err = s.challenge("UGFzc3dvcmQ6"); err != nil {
			return
		}
		err = s.srv.creds.verifyLogin(user, pass)
	default:
		s.reply("504 5.5.4 Unrecognized authentication type")
		return
	}

	if err != nil {
		s.logger.Info("authentication rejected", "mechanism", mechanism, "error", err)
		s.reply("535 5.7.8 Authentication credentials invalid")
		return
	}
	s.phase = phaseAuthenticated
	s.reply("235 2.7.0 Authentication successful")
}

// challenge sends a 334 prompt and returns the client's answer. A "*"
// answer cancels the exchange.
func (s *session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.reply("334 ")
	} else {
		s.reply("334 %s", prompt)
	}
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	if line == "*" {
		s.reply("501 5.7.0 Authentication cancelled")
		return "", errors.New("authentication cancelled")
	}
	return line, nil
}

func (s *session) mail(arg string) {
	switch {
	case s.phase < phaseGreeted:
		s.reply("503 5.5.1 Send EHLO first")
		return
	case s.srv.creds.enabled() && s.phase < phaseAuthenticated:
		s.reply("530 5.7.0 Authentication required")
		return
	case s.phase >= phaseMail:
		s.reply("503 5.5.1 Nested MAIL command")
		return
	}

	addr, ok := pathArg(arg, "FROM:")
	if !ok {
		s.reply("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	s.mailFrom = addr
	s.rcptTo = nil
	s.phase = phaseMail
	s.reply("250 2.1.0 OK")
}

func (s *session) rcpt(arg string) {
	if s.phase < phaseMail {
		s.reply("503 5.5.1 Send MAIL FROM first")
		return
	}
	addr, ok := pathArg(arg, "TO:")
	if !ok || addr == "" {
		s.reply("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	if s.srv.rejects(addr) {
		s.reply("550 5.1.1 <%s>: Recipient address rejected", addr)
		return
	}
	s.rcptTo = append(s.rcptTo, addr)
	s.phase = phaseRcpt
	s.reply("250 2.1.5 OK")
}

// data reads the message, undoing dot-stuffing, and hands it to the
// deliverer. It reports whether the session must end.
func (s *session) data(ctx context.Context) bool {
	if s.phase < phaseRcpt {
		s.reply("503 5.5.1 Send RCPT TO first")
		return false
	}
	s.reply("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, err := s.readData()
	if errors.Is(err, errMessageTooLarge) {
		s.reply("552 5.3.4 Message size exceeds fixed limit")
		s.reset()
		return false
	}
	if err != nil {
		s.logger.Warn("error reading DATA", "error", err)
		return true
	}

	defer s.reset()

	msg, err := parser.Parse(raw)
	if err != nil {
		s.logger.Warn("failed to parse message", "error", err)
		s.reply("554 5.6.0 Message could not be parsed")
		return false
	}

	d := Delivery{
		MailFrom:   s.mailFrom,
		Recipients: append([]string(nil), s.rcptTo...),
		Raw:        raw,
		Message:    msg,
		ReceivedAt: time.Now(),
	}
	if err := s.srv.cfg.Deliverer.Deliver(ctx, d); err != nil {
		s.logger.Error("delivery failed", "error", err)
		s.reply("451 4.3.0 Temporary failure, please try again later")
		return false
	}

	s.logger.Info("message accepted",
		"from", s.mailFrom,
		"recipients", len(d.Recipients),
		"message_id", msg.MessageID,
	)
	s.reply("250 2.0.0 OK message accepted")
	return false
}

// readData collects lines up to the lone dot. Oversized messages are
// drained to the terminator so the session stays in sync.
func (s *session) readData() ([]byte, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.srv.cfg.IdleTimeout)); err != nil {
		return nil, err
	}
	var buf []byte
	tooLarge := false
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == ".\r\n" || line == ".\n" {
			break
		}
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		if len(buf)+len(line) > s.srv.cfg.MaxMessageSize {
			tooLarge = true
			continue
		}
		buf = append(buf, line...)
	}
	if tooLarge {
		return nil, errMessageTooLarge
	}
	return buf, nil
}

// reset clears the mail transaction but keeps greeting and login.
func (s *session) reset() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.phase > phaseAuthenticated {
		if s.srv.creds.enabled() {
			s.phase = phaseAuthenticated
		} else {
			s.phase = phaseGreeted
		}
	}
}

func (s *session) readLine() (string, error) {
	if err := s.conn.SetDeadline(time.Now().Add(s.srv.cfg.IdleTimeout)); err != nil {
		return "", err
	}
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *session) reply(format string, args ...any) {
	fmt.Fprintf(s.w, format, args...)
	s.w.WriteString("\r\n")
	if err := s.w.Flush(); err != nil {
		s.logger.Debug("failed to write reply", "error", err)
	}
}

func (s *session) multiline(code int, lines []string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(s.w, "%d%s%s\r\n", code, sep, l)
	}
	if err := s.w.Flush(); err != nil {
		s.logger.Debug("failed to write reply", "error", err)
	}
}

// pathArg extracts the address from "FROM:<addr> [params]" style
// arguments. An empty reverse path "<>" is allowed.
func pathArg(arg, prefix string) (string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", false
	}
	rest := strings.TrimSpace(arg[len(prefix):])
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", false
		}
		return rest[1:end], true
	}
	addr, _, _ := strings.Cut(rest, " ")
	return addr, addr != ""
}
