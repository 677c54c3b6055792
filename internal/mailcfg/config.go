// Package mailcfg holds the recognised process-wide configuration
// options: the options a deployment sets once at startup, as opposed to
// the per-request state the rest of mailboat threads through
// explicitly. Loading these from a file or environment is left to the
// entry point (cmd/mailboatd); this package only defines and validates
// the shape.
package mailcfg

import "github.com/mailboat/mailboat/internal/exterrors"

// Config is the set of recognised options.
type Config struct {
	// Hostname is the HELO/EHLO domain mailboat presents, and the
	// default Return-Path/Message-Id domain.
	Hostname string

	// MyDomains is the set of domains mailboat accepts inbound mail
	// for without requiring a loopback or authenticated submitter.
	MyDomains []string

	// DatabasePath is the Record Store's on-disk path, or
	// store.MemSentinel for an in-memory instance (tests).
	DatabasePath string

	// SMTPDAddr/IMAPAddr are listen addresses, e.g. ":25" and ":143".
	SMTPDAddr string
	IMAPAddr  string

	// AuthRequireTLS gates AUTH advertisement on SMTP connections that
	// have not negotiated TLS. The zero value is false;
	// cmd/mailboatd's -auth-require-tls flag defaults it to true. Set
	// false only for local testing.
	AuthRequireTLS bool

	// HTTPAPIGateAddr is the liveness-probe listen address, empty to
	// disable it.
	HTTPAPIGateAddr string

	// MetricsAddr is a listen address for Prometheus metrics. No
	// component reads it: Instance serves no metrics endpoint.
	MetricsAddr string

	// Debug turns on debug-level structured logging.
	Debug bool
}

// Validate checks the config is internally consistent enough to start
// a process with it.
func (c Config) Validate() error {
	if c.Hostname == "" {
		return exterrors.New(exterrors.Config, "hostname is required", nil)
	}
	if c.DatabasePath == "" {
		return exterrors.New(exterrors.Config, "database_path is required", nil)
	}
	if c.SMTPDAddr == "" && c.IMAPAddr == "" {
		return exterrors.New(exterrors.Config, "at least one of smtpd_addr/imap_addr must be set", nil)
	}
	return nil
}
