package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/user/ticketdesk/internal/streamer"
	"github.com/user/ticketdesk/internal/types"
)

type createTicketRequest struct {
	Subject     string `json:"subject"`
	Description string `json:"description"`
}

type statusRequest struct {
	Status types.TicketStatus `json:"status"`
}

type messageRequest struct {
	Content string `json:"content"`
}

// ticketDetail is a ticket with its conversation.
type ticketDetail struct {
	*types.Ticket
	Messages []*types.Message `json:"messages"`
}

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return badRequest("invalid JSON")
	}
	return nil
}

// ownedTicket loads the path ticket and checks it belongs to the caller.
func (s *Server) ownedTicket(r *http.Request) (*types.Ticket, error) {
	ticket, err := s.tickets.GetTicket(r.Context(), types.TicketID(r.PathValue("id")))
	if err != nil {
		return nil, err
	}
	if ticket.OwnerID != userFrom(r.Context()) {
		return nil, types.ErrForbidden
	}
	return ticket, nil
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, r, badRequest("subject is required"))
		return
	}

	ticket, err := s.tickets.CreateTicket(r.Context(), userFrom(r.Context()), subject, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	tickets, err := s.tickets.ListTickets(r.Context(), userFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.ownedTicket(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.tickets.ListMessages(r.Context(), ticket.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticketDetail{Ticket: ticket, Messages: msgs})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.ownedTicket(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, badRequest("status must be one of open, answered, closed"))
		return
	}
	if err := s.tickets.UpdateStatus(r.Context(), ticket.ID, req.Status); err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := s.tickets.GetTicket(r.Context(), ticket.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.ownedTicket(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req messageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, badRequest("content is required"))
		return
	}

	msg, err := s.tickets.AppendMessage(r.Context(), ticket.ID, types.AuthorUser, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.ownedTicket(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	msgs, err := s.tickets.ListMessages(r.Context(), ticket.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleAIResponse streams a generated reply as Server-Sent Events.
// Errors before the first fragment get a regular JSON error response;
// afterwards they arrive as a terminal "error" event.
func (s *Server) handleAIResponse(w http.ResponseWriter, r *http.Request) {
	sse := newSSEWriter(w)
	sess, err := s.responder.Stream(r.Context(), types.TicketID(r.PathValue("id")), userFrom(r.Context()), sse)
	if err != nil {
		if errors.Is(err, streamer.ErrClientDisconnected) {
			return
		}
		if !sse.started {
			writeError(w, r, err)
			return
		}
		_, msg := statusFor(err)
		if werr := sse.event("error", map[string]string{"error": msg}); werr != nil {
			slog.Debug("write error event", "ticket_id", r.PathValue("id"), "error", werr)
		}
		return
	}

	if err := sse.event("done", map[string]any{
		"message_id": sess.MessageID,
		"fragments":  sess.Fragments,
	}); err != nil {
		slog.Debug("write done event", "ticket_id", sess.TicketID, "error", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit log not configured"})
		return
	}
	ticket, err := s.ownedTicket(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.audit.Tail(r.Context(), ticket.ID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*types.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
