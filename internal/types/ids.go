// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type TicketID string
type MessageID string
type UserID string
type StreamID string

func NewTicketID() TicketID {
	return TicketID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewStreamID() StreamID {
	return StreamID(uuid.New().String())
}
