// Package httpapi serves the liveness probe endpoint. Any larger HTTP
// API gateway lives elsewhere; this just proves the process is alive.
package httpapi

import (
	"context"
	"net/http"

	"github.com/mailboat/mailboat/internal/log"
)

// Server serves GET /generate204, replying 204 No Content the way
// Chrome/Android's connectivity check does.
type Server struct {
	inner *http.Server
	log   log.Logger
}

func NewServer(addr string, l log.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/generate204", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return &Server{inner: &http.Server{Addr: addr, Handler: mux}, log: l}
}

func (s *Server) Start() error {
	go func() {
		if err := s.inner.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Debugf("httpapi server stopped serving: %s", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
