package smtpd

import (
	"crypto/tls"
	"net"
	"sync"

	"github.com/emersion/go-smtp"

	"github.com/mailboat/mailboat/internal/log"
)

// Server owns one listener plus the go-smtp server wrapped around a
// Backend, with explicit Start/Stop lifecycle.
type Server struct {
	inner    *smtp.Server
	listener net.Listener
	log      log.Logger

	wg sync.WaitGroup
}

// NewServer builds a Server from a Backend, optionally wrapping the
// listener in TLS when tlsConfig is non-nil (implicit TLS submission).
func NewServer(b *Backend, tlsConfig *tls.Config) *Server {
	s := BuildServer(b)
	if tlsConfig != nil {
		s.TLSConfig = tlsConfig
	}
	return &Server{inner: s, log: b.log}
}

// Start binds the configured address and begins serving connections in
// the background. It returns once the listener is bound.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.inner.Addr)
	if err != nil {
		return err
	}
	if s.inner.TLSConfig != nil {
		l = tls.NewListener(l, s.inner.TLSConfig)
	}
	s.listener = l

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.inner.Serve(l); err != nil {
			s.log.Debugf("smtp server stopped serving: %s", err)
		}
	}()
	return nil
}

// Stop closes the listener and waits for the serve goroutine to exit.
// In-flight sessions are closed by go-smtp's own Close semantics.
func (s *Server) Stop() error {
	err := s.inner.Close()
	s.wg.Wait()
	return err
}
