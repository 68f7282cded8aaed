package streamer

import (
	"strings"
	"time"

	"github.com/user/ticketdesk/internal/types"
	"github.com/user/ticketdesk/pkg/llm"
)

// State represents the lifecycle state of a Session.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Session tracks one AI response being relayed to one client. It lives for
// the duration of a single request and is never shared between requests.
type Session struct {
	ID        types.StreamID
	TicketID  types.TicketID
	Requester types.UserID
	State     State
	Fragments int
	StartedAt time.Time
	EndedAt   time.Time

	// MessageID is set once the reply has been committed.
	MessageID types.MessageID
	Err       error
	// Usage holds the provider's token counts when it reports them.
	Usage *llm.Usage

	buf strings.Builder
}

func newSession(ticketID types.TicketID, requester types.UserID) *Session {
	return &Session{
		ID:        types.NewStreamID(),
		TicketID:  ticketID,
		Requester: requester,
		State:     StateActive,
		StartedAt: time.Now(),
	}
}

func (s *Session) append(fragment string) {
	s.buf.WriteString(fragment)
	s.Fragments++
}

// Content returns everything received so far.
func (s *Session) Content() string {
	return s.buf.String()
}

func (s *Session) complete(id types.MessageID) {
	s.State = StateCompleted
	s.MessageID = id
	s.EndedAt = time.Now()
}

func (s *Session) fail(err error) {
	s.State = StateFailed
	s.Err = err
	s.EndedAt = time.Now()
}
