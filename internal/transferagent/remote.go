package transferagent

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"strings"

	gosasl "github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/mailboat/mailboat/internal/exterrors"
	"github.com/mailboat/mailboat/internal/rfc5322"
)

// SmartHostAuth, if set, is attempted on every outbound connection
// stage via AUTH PLAIN. Left nil, remote_deliver never authenticates —
// the common case for a plain relay-to-MX MTA.
type SmartHostAuth struct {
	Username string
	Password string
}

// AuthError marks a remote delivery failure as an authentication
// rejection: terminal for the whole delivery attempt, never retried
// with a weaker TLS mode.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return "remote smtp authentication failed: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// escalationMode is one of the three outbound TLS strategies tried in
// order, each attempt a fresh connection.
type escalationMode int

const (
	modeImplicitTLS escalationMode = iota
	modeOpportunisticSTARTTLS
	modePlaintext
)

func (m escalationMode) port(a *Agent) int {
	if m == modeImplicitTLS {
		return a.implicitTLSPort()
	}
	return a.plainPort()
}

func (a *Agent) implicitTLSPort() int {
	if a.ImplicitTLSPort != 0 {
		return a.ImplicitTLSPort
	}
	return 465
}

func (a *Agent) plainPort() int {
	if a.PlainPort != 0 {
		return a.PlainPort
	}
	return 25
}

// headersStrippedBeforeRemoteSend are removed from the outgoing copy
// before it leaves this instance.
var headersStrippedBeforeRemoteSend = []string{"X-Peer", "X-MailFrom", "X-RcptTo", "Delivered-To"}

// remoteDeliver attempts outgoing SMTP delivery of envelope to the
// recipient "to", escalating through implicit TLS, opportunistic
// STARTTLS, then plaintext, each attempt a fresh connection. An
// AuthError at any stage is terminal for the whole delivery; any other
// error falls through to the next (weaker) mode.
func (a *Agent) remoteDeliver(ctx context.Context, envelope *rfc5322.Message, to string) error {
	at := strings.LastIndexByte(to, '@')
	if at < 0 {
		return exterrors.New(exterrors.PermanentDelivery, "malformed recipient address: "+to, nil)
	}
	domain := to[at+1:]

	host, err := a.mxHost(ctx, domain)
	if err != nil {
		return exterrors.New(exterrors.TransientDelivery, "MX lookup failed for "+domain, err)
	}

	outgoing := envelope.Clone()
	outgoing.StripHeaders(headersStrippedBeforeRemoteSend...)
	body, err := outgoing.Bytes()
	if err != nil {
		return exterrors.New(exterrors.PermanentDelivery, "serializing outgoing message", err)
	}
	from := outgoing.Header.Get("Return-Path")
	if from == "" {
		from = outgoing.Header.Get("From")
	}

	var lastErr error
	for _, mode := range []escalationMode{modeImplicitTLS, modeOpportunisticSTARTTLS, modePlaintext} {
		err := a.attemptDeliver(ctx, mode, host, from, to, body)
		if err == nil {
			return nil
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return exterrors.New(exterrors.PermanentDelivery, "remote rejected credentials", authErr)
		}
		a.Log.DebugMsg("remote delivery stage failed, escalating", "mode", int(mode), "host", host, "err", err.Error())
		lastErr = err
	}
	return exterrors.New(exterrors.TransientDelivery, "all delivery modes failed for "+host, lastErr)
}

func (a *Agent) mxHost(ctx context.Context, domain string) (string, error) {
	mxs, err := a.Resolver.LookupMX(ctx, domain)
	if err != nil || len(mxs) == 0 {
		return domain, nil // fall back to the domain itself (A/AAAA record)
	}
	best := mxs[0]
	for _, mx := range mxs[1:] {
		if mx.Pref < best.Pref {
			best = mx
		}
	}
	return trimDot(best.Host), nil
}

func trimDot(s string) string {
	return strings.TrimSuffix(s, ".")
}

func (a *Agent) attemptDeliver(ctx context.Context, mode escalationMode, host, from, to string, body []byte) error {
	addr := net.JoinHostPort(host, strconv.Itoa(mode.port(a)))

	conn, err := a.Dial(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	if mode == modeImplicitTLS {
		cfg := a.TLSConfig.Clone()
		cfg.ServerName = host
		conn = tls.Client(conn, cfg)
	}

	cl := smtp.NewClient(conn)
	defer cl.Close()

	if err := cl.Hello(a.Hostname); err != nil {
		return err
	}

	if mode == modeOpportunisticSTARTTLS {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			cfg := a.TLSConfig.Clone()
			cfg.ServerName = host
			if err := cl.StartTLS(cfg); err != nil {
				_ = cl.Quit()
				return err
			}
		}
	}

	if a.SmartHost != nil {
		authClient := gosasl.NewPlainClient("", a.SmartHost.Username, a.SmartHost.Password)
		if err := cl.Auth(authClient); err != nil {
			return &AuthError{Err: err}
		}
	}

	if err := cl.Mail(from, nil); err != nil {
		return classifyMailErr(err)
	}
	if err := cl.Rcpt(to, nil); err != nil {
		return classifyMailErr(err)
	}
	w, err := cl.Data()
	if err != nil {
		return classifyMailErr(err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return cl.Quit()
}

// classifyMailErr promotes an SMTP 5xx auth-coded reply to an AuthError
// so the escalation loop treats it as terminal rather than transient.
func classifyMailErr(err error) error {
	se, ok := err.(*smtp.SMTPError)
	if !ok {
		return err
	}
	switch se.Code {
	case 530, 534, 535, 538:
		return &AuthError{Err: err}
	}
	return err
}
