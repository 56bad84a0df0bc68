package boundary

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Server owns the façade's HTTP listener and its background hub.
type Server struct {
	httpServer *http.Server
	hub        *Hub
	done       chan struct{}
}

// NewServer wires router, middleware, REST handlers, and the
// WebSocket hub into one http.Server.
func NewServer(host string, port int, api *API, hub *Hub, metrics *MetricsCollector) *Server {
	router := NewRouter()
	api.Routes(router, hub)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           wrapMiddleware(router, metrics),
			ReadHeaderTimeout: 10 * time.Second,
			// No blanket write timeout: the WebSocket stream lives on
			// the same listener and must be allowed to run for hours.
			IdleTimeout: 120 * time.Second,
		},
		hub:  hub,
		done: make(chan struct{}),
	}
}

// Start begins serving and the snapshot broadcast loop; it blocks
// until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	go s.hub.Run(s.done)
	log.Printf("[facade] listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the broadcast loop and drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)
	return s.httpServer.Shutdown(ctx)
}
