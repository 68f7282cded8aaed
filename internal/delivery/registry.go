// internal/delivery/registry.go
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/user/ticketdesk/internal/types"
)

// previewLen caps how much of a reply is included in a notification.
const previewLen = 280

// Notification is a short human-readable notice about a ticket.
type Notification struct {
	TicketID types.TicketID
	Title    string
	Body     string
}

// Text renders the notification as plain text.
func (n Notification) Text() string {
	if n.Body == "" {
		return n.Title
	}
	return n.Title + "\n\n" + n.Body
}

// Handler delivers a notification to a target such as "telegram:12345".
type Handler func(ctx context.Context, target string, n Notification) error

// Registry routes notifications to the appropriate delivery handler based on
// target prefix (e.g. "telegram:", "log:").
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for targets starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver calls the handler with the longest prefix matching target.
// Returns an error if no handler is registered for the target.
func (r *Registry) Deliver(ctx context.Context, target string, n Notification) error {
	r.mu.RLock()
	var best string
	var handler Handler
	for prefix, h := range r.handlers {
		if strings.HasPrefix(target, prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("no delivery handler for target: %s", target)
	}
	return handler(ctx, target, n)
}

// ReplyCommitted builds the notification for a freshly committed AI reply.
func ReplyCommitted(ticket *types.Ticket, msg *types.Message) Notification {
	return Notification{
		TicketID: ticket.ID,
		Title:    fmt.Sprintf("Ticket %s: AI reply ready", ticket.Subject),
		Body:     preview(msg.Content),
	}
}

// CommitNotifier returns a commit hook that delivers ReplyCommitted to every
// target. Delivery failures are logged, never returned.
func CommitNotifier(r *Registry, targets ...string) func(context.Context, *types.Ticket, *types.Message) {
	return func(ctx context.Context, ticket *types.Ticket, msg *types.Message) {
		n := ReplyCommitted(ticket, msg)
		for _, target := range targets {
			if err := r.Deliver(ctx, target, n); err != nil {
				slog.Warn("notification delivery failed", "ticket_id", ticket.ID, "target", target, "error", err)
			}
		}
	}
}

// LogHandler writes notifications to the structured log.
func LogHandler(_ context.Context, target string, n Notification) error {
	slog.Info("notification", "target", target, "ticket_id", n.TicketID, "title", n.Title)
	return nil
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= previewLen {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:previewLen])) + "…"
}
