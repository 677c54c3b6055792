// Package sasllogin implements the obsolete SASL LOGIN mechanism's
// server side, which upstream go-sasl does not provide — only PLAIN is
// built in. Mailboat advertises LOGIN alongside PLAIN for legacy MUAs,
// with the exact "Username:"/"Password:" base64 challenge framing that
// mechanism requires.
package sasllogin

import "github.com/emersion/go-sasl"

// Authenticator verifies a username/password pair.
type Authenticator func(username, password string) error

// server walks the two-challenge LOGIN exchange. Progress is tracked by
// which fields have been collected so far rather than an explicit state
// counter: no username yet means the "Username:" challenge is
// outstanding, a username without a finished exchange means "Password:"
// is outstanding.
type server struct {
	authenticate Authenticator

	greeted      bool
	haveUsername bool
	finished     bool
	username     string
}

// NewServer returns a server implementation of the LOGIN mechanism, as
// described in https://tools.ietf.org/html/draft-murchison-sasl-login-00.
func NewServer(authenticator Authenticator) sasl.Server {
	return &server{authenticate: authenticator}
}

func (s *server) Next(response []byte) ([]byte, bool, error) {
	if s.finished {
		return nil, false, sasl.ErrUnexpectedClientResponse
	}

	// An initial-response AUTH command carries the username inline;
	// otherwise the first round trip only issues the challenge.
	if !s.greeted {
		s.greeted = true
		if response == nil {
			return []byte("Username:"), false, nil
		}
	}

	if !s.haveUsername {
		s.username = string(response)
		s.haveUsername = true
		return []byte("Password:"), false, nil
	}

	s.finished = true
	return nil, true, s.authenticate(s.username, string(response))
}
