// internal/api/server.go
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/ticketdesk/internal/streamer"
	"github.com/user/ticketdesk/internal/types"
)

// Responder produces streamed AI replies for tickets.
type Responder interface {
	Stream(ctx context.Context, ticketID types.TicketID, requester types.UserID, sink streamer.Sink) (*streamer.Session, error)
}

// Verifier resolves a bearer token to a user.
type Verifier interface {
	Verify(token string) (types.UserID, error)
}

// Config holds API server configuration.
type Config struct {
	Listen      string
	CORSOrigins []string
}

// Server is the ticket HTTP API.
type Server struct {
	tickets   types.TicketAdmin
	responder Responder
	auth      Verifier
	audit     types.AuditLog
	cfg       Config
	mux       *http.ServeMux
	srv       *http.Server
}

// NewServer creates the API server. audit may be nil, in which case the
// events endpoint answers 503.
func NewServer(tickets types.TicketAdmin, responder Responder, auth Verifier, audit types.AuditLog, cfg Config) *Server {
	s := &Server{
		tickets:   tickets,
		responder: responder,
		auth:      auth,
		audit:     audit,
		cfg:       cfg,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /tickets", s.requireAuth(s.handleCreateTicket))
	s.mux.HandleFunc("GET /tickets", s.requireAuth(s.handleListTickets))
	s.mux.HandleFunc("GET /tickets/{id}", s.requireAuth(s.handleGetTicket))
	s.mux.HandleFunc("PATCH /tickets/{id}/status", s.requireAuth(s.handleUpdateStatus))
	s.mux.HandleFunc("POST /tickets/{id}/messages", s.requireAuth(s.handlePostMessage))
	s.mux.HandleFunc("GET /tickets/{id}/messages", s.requireAuth(s.handleListMessages))
	s.mux.HandleFunc("GET /tickets/{id}/ai-response", s.requireAuth(s.handleAIResponse))
	s.mux.HandleFunc("GET /tickets/{id}/events", s.requireAuth(s.handleEvents))

	s.srv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.corsMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler, including the CORS layer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.srv.Handler.ServeHTTP(w, r)
}

// Start begins listening and blocks until ctx is cancelled, then shuts down
// gracefully, giving open streams a few seconds to finish.
func (s *Server) Start(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			slog.Warn("api server shutdown", "error", err)
		}
	}()

	slog.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	<-done
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
