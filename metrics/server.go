package metrics

import (
	"context"
	"net/http"
	"time"
)

// Server serves the Prometheus registry on its own listener so metrics
// stay off the workload-facing control channel.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
