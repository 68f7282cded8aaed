// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

type TicketStatus string

const (
	TicketOpen     TicketStatus = "open"
	TicketAnswered TicketStatus = "answered"
	TicketClosed   TicketStatus = "closed"
)

// Valid reports whether s is one of the known ticket statuses.
func (s TicketStatus) Valid() bool {
	switch s {
	case TicketOpen, TicketAnswered, TicketClosed:
		return true
	}
	return false
}

type Author string

const (
	AuthorUser      Author = "user"
	AuthorAssistant Author = "assistant"
)

type Ticket struct {
	ID          TicketID     `json:"id"`
	OwnerID     UserID       `json:"owner_id"`
	Subject     string       `json:"subject"`
	Description string       `json:"description"`
	Status      TicketStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type Message struct {
	ID        MessageID `json:"id"`
	TicketID  TicketID  `json:"ticket_id"`
	Author    Author    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is one line of a ticket's stream audit log.
type AuditEvent struct {
	Seq      int64           `json:"seq"`
	StreamID StreamID        `json:"stream_id"`
	TicketID TicketID        `json:"ticket_id"`
	Type     string          `json:"type"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

const (
	AuditStreamStarted   = "stream_started"
	AuditStreamCompleted = "stream_completed"
	AuditStreamFailed    = "stream_failed"
	AuditStreamCancelled = "stream_cancelled"
)
