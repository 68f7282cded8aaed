// internal/types/interfaces.go
package types

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// TicketStore persists tickets and their conversations. AppendMessage is a
// single atomic store operation.
type TicketStore interface {
	GetTicket(ctx context.Context, id TicketID) (*Ticket, error)
	ListMessages(ctx context.Context, id TicketID) ([]*Message, error)
	AppendMessage(ctx context.Context, id TicketID, author Author, content string) (*Message, error)
}

// TicketAdmin covers the CRUD surface around the conversation.
type TicketAdmin interface {
	TicketStore
	CreateTicket(ctx context.Context, owner UserID, subject, description string) (*Ticket, error)
	ListTickets(ctx context.Context, owner UserID) ([]*Ticket, error)
	UpdateStatus(ctx context.Context, id TicketID, status TicketStatus) error
	CloseStale(ctx context.Context, before time.Time) (int64, error)
}

type AuditLog interface {
	Append(ctx context.Context, event *AuditEvent) error
	Tail(ctx context.Context, id TicketID, limit int) ([]*AuditEvent, error)
}
