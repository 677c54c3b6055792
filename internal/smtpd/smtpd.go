// Package smtpd implements the SMTP Server front end: it accepts inbound
// mail over the emersion/go-smtp server framework, handles AUTH LOGIN
// and AUTH PLAIN, and on a successful DATA hands the parsed message to
// the Transfer Agent.
package smtpd

import (
	"context"
	"io"
	"net"
	"strings"
	"time"

	gosasl "github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailboat/mailboat/internal/auth"
	"github.com/mailboat/mailboat/internal/exterrors"
	"github.com/mailboat/mailboat/internal/log"
	"github.com/mailboat/mailboat/internal/rfc5322"
	"github.com/mailboat/mailboat/internal/sasllogin"
	"github.com/mailboat/mailboat/internal/transferagent"
)

// MessageHandler is the collaborator that receives a fully-parsed
// accepted message (the Transfer Agent, in production).
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *rfc5322.Message, internal bool) error
}

var _ MessageHandler = (*transferagent.Agent)(nil)

// Config holds the per-endpoint options.
type Config struct {
	Hostname string
	// Addr is the listen address, e.g. ":25".
	Addr string
	// AuthRequireTLS suppresses AUTH advertisement on a connection that
	// has not negotiated TLS. The zero value (false) allows AUTH over
	// plaintext; tests rely on that.
	AuthRequireTLS bool
	// MaxMessageBytes bounds the size of an incoming DATA payload.
	MaxMessageBytes int64
	// ReadTimeout/WriteTimeout bound idle connections.
	ReadTimeout, WriteTimeout time.Duration
}

// Backend wires go-smtp's Server/Session contract to mailboat's Auth
// Provider and Transfer Agent.
type Backend struct {
	cfg     Config
	auth    *auth.Provider
	handler MessageHandler
	log     log.Logger
}

// NewBackend builds a Backend. authProvider may be nil, in which case
// AUTH is never accepted (an anonymous-submission-only deployment).
func NewBackend(cfg Config, authProvider *auth.Provider, handler MessageHandler, l log.Logger) *Backend {
	return &Backend{cfg: cfg, auth: authProvider, handler: handler, log: l}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b, conn: c}, nil
}

// BuildServer constructs the underlying *smtp.Server. AUTH PLAIN is
// served by go-smtp's built-in dispatch to session.AuthPlain; the LOGIN
// mechanism is registered explicitly via EnableAuth.
func BuildServer(b *Backend) *smtp.Server {
	s := smtp.NewServer(b)
	s.Addr = b.cfg.Addr
	s.Domain = b.cfg.Hostname
	s.ErrorLog = b.log
	s.MaxMessageBytes = b.cfg.MaxMessageBytes
	s.ReadTimeout = b.cfg.ReadTimeout
	s.WriteTimeout = b.cfg.WriteTimeout
	s.AllowInsecureAuth = !b.cfg.AuthRequireTLS
	s.AuthDisabled = b.auth == nil

	if b.auth != nil {
		// PLAIN is dispatched by go-smtp's built-in handler through
		// session.AuthPlain; only the legacy LOGIN mechanism needs an
		// explicit sasl.Server factory.
		s.EnableAuth(gosasl.Login, func(c *smtp.Conn) gosasl.Server {
			sess := c.Session().(*session)
			return sasllogin.NewServer(func(username, password string) error {
				return sess.authenticate(context.Background(), username, password)
			})
		})
	}

	return s
}

// session implements smtp.Session. A new one is created per connection
// by go-smtp; mailboat holds the accumulated envelope state (sender,
// recipients) on it between MAIL/RCPT/DATA.
type session struct {
	backend *Backend
	conn    *smtp.Conn

	authenticated bool
	profileID     string
	scope         []string

	from string
	to   []string
}

func (s *session) authenticate(ctx context.Context, username, password string) error {
	answer, err := s.backend.auth.Auth(ctx, auth.Request{
		Username: username,
		Password: password,
		Now:      time.Now().Unix(),
	})
	if err != nil {
		return exterrors.New(exterrors.Storage, "authenticating", err)
	}
	if !answer.Success {
		return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "invalid credentials"}
	}
	s.authenticated = true
	s.profileID = answer.Profile
	s.scope = answer.Scope
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// AuthPlain handles the PLAIN mechanism via go-smtp's built-in
// dispatcher.
func (s *session) AuthPlain(username, password string) error {
	if s.backend.auth == nil {
		return smtp.ErrAuthUnsupported
	}
	return s.authenticate(context.Background(), username, password)
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	s.to = nil
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := rfc5322.Parse(raw)
	if err != nil {
		return &smtp.SMTPError{Code: 554, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: "malformed message"}
	}

	peer := peerIP(s.conn)
	msg.Header.Set("X-Peer", peer)
	if s.from != "" {
		msg.Header.Set("X-MailFrom", s.from)
	}
	msg.Header.Set("X-RcptTo", strings.Join(s.to, ", "))
	if msg.Header.Get("Return-Path") == "" && s.from != "" {
		msg.Header.Set("Return-Path", "<"+s.from+">")
	}

	internal := s.authenticated
	if err := s.backend.handler.HandleMessage(context.Background(), msg, internal); err != nil {
		code, enhanced, m := smtpReplyFor(err)
		return &smtp.SMTPError{Code: code, EnhancedCode: enhanced, Message: m}
	}
	return nil
}

func smtpReplyFor(err error) (int, smtp.EnhancedCode, string) {
	var extErr *exterrors.Error
	if e, ok := err.(*exterrors.Error); ok {
		extErr = e
	}
	if extErr == nil {
		return 451, smtp.EnhancedCode{4, 0, 0}, "temporary delivery failure"
	}
	code, enhanced, msg := extErr.SMTPReply()
	return code, smtp.EnhancedCode(enhanced), msg
}

func peerIP(c *smtp.Conn) string {
	if c == nil || c.Conn() == nil {
		return ""
	}
	addr := c.Conn().RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

var _ smtp.Session = (*session)(nil)
