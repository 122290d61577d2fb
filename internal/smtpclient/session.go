package smtpclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/crm-mail/internal/email"
)

// session is the state of one in-flight send. It is never shared.
type session struct {
	ctx       context.Context
	cfg       ConnectionConfig
	env       *email.Envelope
	ch        *channel
	logger    *slog.Logger
	rcpts     []string
	cursor    int
	data      []byte
	messageID string
}

// run reads one reply per iteration and feeds it through the transition
// table until the sequence reaches StateDone or fails.
func (s *session) run() *Error {
	state := StateConnect
	for state != StateDone {
		reply, err := s.ch.readReply(s.cfg.IdleTimeout)
		if err != nil {
			return sessionError(s.ctx, state, err)
		}
		s.logger.Debug("smtp reply", "state", state.String(), "code", reply.Code)

		t := transitions[state]
		if reply.Code != t.expect {
			return s.rejected(state, t, reply)
		}

		next, err := t.advance(s)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				return e
			}
			return sessionError(s.ctx, state, err)
		}
		state = next
	}
	return nil
}

func (s *session) rejected(state State, t transition, reply Reply) *Error {
	msg := t.failure
	if state == StateRcptTo {
		msg = fmt.Sprintf("recipient %s rejected", s.rcpts[s.cursor])
	}
	return &Error{Kind: t.kind, Step: state, Message: msg, Reply: reply.String()}
}

func (s *session) cmd(format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	s.logger.Debug("smtp command", "line", line)
	return s.ch.writeLine(s.cfg.IdleTimeout, line)
}

// secret sends a credential line without logging it.
func (s *session) secret(value string) error {
	s.logger.Debug("smtp command", "line", "<redacted>")
	return s.ch.writeLine(s.cfg.IdleTimeout, base64.StdEncoding.EncodeToString([]byte(value)))
}

func (s *session) hello() (State, error) {
	return StateHello, s.cmd("EHLO %s", s.cfg.LocalName)
}

func (s *session) startTLS() (State, error) {
	if s.ch.secure {
		return s.authLogin()
	}
	return StateStartTLS, s.cmd("STARTTLS")
}

func (s *session) upgrade() (State, error) {
	if err := s.ch.upgrade(s.ctx, s.cfg.tlsConfig(), s.cfg.IdleTimeout); err != nil {
		return StateStartTLS, handshakeError(s.ctx, StateStartTLS, err)
	}
	s.logger.Debug("smtp connection upgraded to TLS")
	return StateSecureHello, s.cmd("EHLO %s", s.cfg.LocalName)
}

// authLogin starts AUTH LOGIN, or goes straight to MAIL FROM when no
// username is configured.
func (s *session) authLogin() (State, error) {
	if s.cfg.Username == "" {
		return s.mailFrom()
	}
	return StateAuthLogin, s.cmd("AUTH LOGIN")
}

func (s *session) authUser() (State, error) {
	return StateAuthUser, s.secret(s.cfg.Username)
}

func (s *session) authPass() (State, error) {
	return StateAuthPass, s.secret(s.cfg.Password)
}

func (s *session) mailFrom() (State, error) {
	return StateMailFrom, s.cmd("MAIL FROM:<%s>", s.env.From)
}

func (s *session) firstRecipient() (State, error) {
	s.cursor = 0
	return StateRcptTo, s.cmd("RCPT TO:<%s>", s.rcpts[0])
}

// nextRecipient moves the cursor forward; after the last accepted
// recipient it sends DATA.
func (s *session) nextRecipient() (State, error) {
	if s.cursor+1 < len(s.rcpts) {
		s.cursor++
		return StateRcptTo, s.cmd("RCPT TO:<%s>", s.rcpts[s.cursor])
	}
	return StateData, s.cmd("DATA")
}

func (s *session) sendPayload() (State, error) {
	s.logger.Debug("smtp sending message body", "bytes", len(s.data))
	return StateSent, s.ch.writeData(s.cfg.IdleTimeout, s.data)
}

// quit is best effort: the message is already accepted, so a missing 221
// does not turn the send into a failure.
func (s *session) quit() (State, error) {
	if err := s.cmd("QUIT"); err == nil {
		_, _ = s.ch.readReply(quitTimeout)
	}
	return StateDone, nil
}
