package smtpclient

import "fmt"

// State is a position in the submission command sequence.
type State int

const (
	StateConnect State = iota
	StateHello
	StateStartTLS
	StateSecureHello
	StateAuthLogin
	StateAuthUser
	StateAuthPass
	StateMailFrom
	StateRcptTo
	StateData
	StateSent
	StateDone
)

var stateNames = [...]string{
	StateConnect:     "connect",
	StateHello:       "ehlo",
	StateStartTLS:    "starttls",
	StateSecureHello: "ehlo-tls",
	StateAuthLogin:   "auth-login",
	StateAuthUser:    "auth-user",
	StateAuthPass:    "auth-pass",
	StateMailFrom:    "mail-from",
	StateRcptTo:      "rcpt-to",
	StateData:        "data",
	StateSent:        "sent",
	StateDone:        "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transition is one row of the state table: the reply code a state waits
// for, what to report when a different code arrives, and the action that
// runs on a match. The action sends the next command and returns the state
// that will read its reply.
type transition struct {
	expect  int
	kind    ErrorKind
	failure string
	advance func(*session) (State, error)
}

var transitions = map[State]transition{
	StateConnect:     {expect: 220, kind: KindProtocol, failure: "connection failed", advance: (*session).hello},
	StateHello:       {expect: 250, kind: KindProtocol, failure: "EHLO failed", advance: (*session).startTLS},
	StateStartTLS:    {expect: 220, kind: KindProtocol, failure: "STARTTLS failed", advance: (*session).upgrade},
	StateSecureHello: {expect: 250, kind: KindProtocol, failure: "EHLO after TLS failed", advance: (*session).authLogin},
	StateAuthLogin:   {expect: 334, kind: KindProtocol, failure: "authentication not supported", advance: (*session).authUser},
	StateAuthUser:    {expect: 334, kind: KindAuth, failure: "username authentication failed", advance: (*session).authPass},
	StateAuthPass:    {expect: 235, kind: KindAuth, failure: "authentication failed, check the email address and app password", advance: (*session).mailFrom},
	StateMailFrom:    {expect: 250, kind: KindProtocol, failure: "MAIL FROM failed", advance: (*session).firstRecipient},
	StateRcptTo:      {expect: 250, kind: KindRecipient, failure: "recipient rejected", advance: (*session).nextRecipient},
	StateData:        {expect: 354, kind: KindProtocol, failure: "DATA command failed", advance: (*session).sendPayload},
	StateSent:        {expect: 250, kind: KindProtocol, failure: "email sending failed", advance: (*session).quit},
}
