package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"syscall"
)

// ErrorKind groups failures by what the caller can do about them.
type ErrorKind int

const (
	// KindProtocol covers unexpected reply codes and anything that went
	// wrong on an established session.
	KindProtocol ErrorKind = iota
	KindConnectionRefused
	KindHostNotFound
	KindTimeout
	// KindNetwork is a connect failure that is none of refused, not found
	// or timed out.
	KindNetwork
	KindTLS
	KindAuth
	KindRecipient
	KindCanceled
)

var kindNames = [...]string{
	KindProtocol:          "protocol",
	KindConnectionRefused: "connection_refused",
	KindHostNotFound:      "host_not_found",
	KindTimeout:           "timeout",
	KindNetwork:           "network",
	KindTLS:               "tls",
	KindAuth:              "auth",
	KindRecipient:         "recipient",
	KindCanceled:          "canceled",
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// MarshalText lets the kind appear by name in JSON error bodies.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error describes why a send failed. Reply holds the server's verbatim
// answer when the failure was a rejected command; Code holds a short
// transport code (ECONNREFUSED, ENOTFOUND, ETIMEDOUT) when one applies.
type Error struct {
	Kind    ErrorKind
	Step    State
	Message string
	Reply   string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Reply != "":
		return e.Message + ": " + e.Reply
	case e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error { return e.Err }

// dialError maps a failed connect to one of the friendly categories.
func dialError(ctx context.Context, err error) *Error {
	if e := contextError(ctx, StateConnect, err); e != nil {
		return e
	}
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &Error{Kind: KindConnectionRefused, Step: StateConnect, Message: "connection refused", Code: "ECONNREFUSED", Err: err}
	case isTimeout(err):
		// Includes resolver timeouts.
		return &Error{Kind: KindTimeout, Step: StateConnect, Message: "connection timed out", Code: "ETIMEDOUT", Err: err}
	case errors.As(err, &dnsErr):
		return &Error{Kind: KindHostNotFound, Step: StateConnect, Message: "host not found", Code: "ENOTFOUND", Err: err}
	default:
		return &Error{Kind: KindNetwork, Step: StateConnect, Message: "connection failed", Err: err}
	}
}

// sessionError maps an I/O failure on an established connection.
func sessionError(ctx context.Context, step State, err error) *Error {
	if e := contextError(ctx, step, err); e != nil {
		return e
	}
	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Step: step, Message: "no response from server", Code: "ETIMEDOUT", Err: err}
	}
	return &Error{Kind: KindProtocol, Step: step, Message: "protocol error", Err: err}
}

// handshakeError maps a failed TLS upgrade. Timeouts and cancellation keep
// their own kinds; everything else is a TLS failure.
func handshakeError(ctx context.Context, step State, err error) *Error {
	if e := contextError(ctx, step, err); e != nil {
		return e
	}
	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Step: step, Message: "TLS handshake timed out", Code: "ETIMEDOUT", Err: err}
	}
	if isCertificateError(err) {
		return &Error{Kind: KindTLS, Step: step, Message: "TLS certificate verification failed", Err: err}
	}
	return &Error{Kind: KindTLS, Step: step, Message: "TLS handshake failed", Err: err}
}

func contextError(ctx context.Context, step State, err error) *Error {
	switch ctx.Err() {
	case nil:
		return nil
	case context.DeadlineExceeded:
		return &Error{Kind: KindTimeout, Step: step, Message: "send timed out", Code: "ETIMEDOUT", Err: err}
	default:
		return &Error{Kind: KindCanceled, Step: step, Message: "send canceled", Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isCertificateError reports whether err came from verifying the peer.
func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	return errors.As(err, &verifyErr)
}
