package imapbackend

import (
	"crypto/tls"
	"net"
	"sync"

	imapserver "github.com/emersion/go-imap/server"
	i18nlevel "github.com/foxcpp/go-imap-i18nlevel"
	namespace "github.com/foxcpp/go-imap-namespace"

	"github.com/mailboat/mailboat/internal/log"
)

// I18NLevel implements i18nlevel.Backend: mailboat stores and compares
// everything as opaque UTF-8 bytes, so it advertises the baseline
// level (1, case-insensitive US-ASCII + UTF-8 octet comparison) rather
// than level 2's locale-aware collation.
func (b *Backend) I18NLevel() int { return 1 }

// Server wraps the go-imap server around a Backend, with the same
// explicit Start/Stop lifecycle as smtpd.Server.
type Server struct {
	inner       *imapserver.Server
	log         log.Logger
	implicitTLS bool
	wg          sync.WaitGroup
}

// NewServer builds a Server advertising the NAMESPACE and I18NLEVEL
// extensions. tlsConfig may be nil for a
// plaintext-only listener (tests). When implicitTLS is true the raw
// listener is wrapped in TLS (IMAPS); otherwise go-imap negotiates TLS
// in-band via STARTTLS using the same tlsConfig.
func NewServer(addr string, b *Backend, tlsConfig *tls.Config, implicitTLS, allowInsecureAuth bool, l log.Logger) *Server {
	s := imapserver.New(b)
	s.Addr = addr
	s.AllowInsecureAuth = allowInsecureAuth
	s.TLSConfig = tlsConfig
	s.ErrorLog = l
	s.Enable(namespace.NewExtension())
	s.Enable(i18nlevel.NewExtension())
	return &Server{inner: s, log: l, implicitTLS: implicitTLS}
}

func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.inner.Addr)
	if err != nil {
		return err
	}
	if s.implicitTLS && s.inner.TLSConfig != nil {
		l = tls.NewListener(l, s.inner.TLSConfig)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.inner.Serve(l); err != nil {
			s.log.Debugf("imap server stopped serving: %s", err)
		}
	}()
	return nil
}

func (s *Server) Stop() error {
	err := s.inner.Close()
	s.wg.Wait()
	return err
}
