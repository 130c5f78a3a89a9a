package metrics

import (
	"context"
	"log"
	"net/http"
	"time"
)

// Server is the telemetry endpoint (spec.md §6): a separate listening
// socket serving a tiny read-only responder. Adapted from the teacher's
// internal/server.HTTPServer (same http.Server + mux shape, no TLS, no
// proxy handler) — satisfying "any request whose first bytes match
// GET /metrics or GET / ... any other request returns 404" needs an exact
// path check inside the handler, since http.ServeMux treats the "/"
// pattern as a catch-all subtree match (it matches every unmatched path,
// not only the literal root) rather than a 404 fallback.
type Server struct {
	counters *Counters
	http     *http.Server
}

// NewServer builds the telemetry endpoint bound to addr, serving c's
// current snapshot on every request.
func NewServer(addr string, c *Counters) *Server {
	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || (r.URL.Path != "/metrics" && r.URL.Path != "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(c.Render()))
	}
	mux.HandleFunc("/", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	// "One request per connection; connection closed after response."
	srv.SetKeepAlivesEnabled(false)

	return &Server{counters: c, http: srv}
}

// Start runs the telemetry endpoint until Stop is called. Errors other
// than a clean shutdown are returned to the caller.
func (s *Server) Start() error {
	log.Printf("[metrics] listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the telemetry endpoint down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
