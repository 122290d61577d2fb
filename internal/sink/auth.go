package sink

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	errBadEncoding  = errors.New("invalid base64 encoding")
	errBadPlain     = errors.New("invalid AUTH PLAIN format")
	errBadCredential = errors.New("authentication failed")
)

// credentials is the single account the sink accepts. Both fields empty
// means AUTH is not offered.
type credentials struct {
	username string
	password string
}

func (c credentials) enabled() bool {
	return c.username != "" && c.password != ""
}

func (c credentials) check(user, pass string) error {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(c.username))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(c.password))
	if u&p != 1 {
		return errBadCredential
	}
	return nil
}

// verifyPlain checks an AUTH PLAIN response: base64(authzid \0 user \0 pass).
func (c credentials) verifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return errBadEncoding
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return errBadPlain
	}
	return c.check(parts[1], parts[2])
}

// verifyLogin checks the two base64 answers of an AUTH LOGIN exchange.
func (c credentials) verifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return errBadEncoding
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return errBadEncoding
	}
	return c.check(string(user), string(pass))
}
