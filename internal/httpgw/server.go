package httpgw

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the Gateway in an *http.Server and adds the operability
// endpoints, composing the whole HTTP surface the bootstrap starts (§4.7).
type Server struct {
	gateway *Gateway
	srv     *http.Server
}

// NewServer builds the HTTP server listening on addr, routing every path
// through the Gateway except the two status endpoints.
func NewServer(addr string, gateway *Gateway) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", gateway.HandleMetrics)
	mux.HandleFunc("/healthz", gateway.HandleHealth)
	mux.Handle("/", gateway)

	return &Server{
		gateway: gateway,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks until the listener stops or fails.
func (s *Server) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
