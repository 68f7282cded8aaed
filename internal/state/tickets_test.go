// internal/state/tickets_test.go
package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/ticketdesk/internal/types"
)

func newTestStore(t *testing.T) *TicketStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "tickets.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateTicket(ctx, "alice", "Printer on fire", "It is actually on fire.")
	if err != nil {
		t.Fatal(err)
	}
	if created.Status != types.TicketOpen {
		t.Errorf("expected status open, got %q", created.Status)
	}

	got, err := s.GetTicket(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Subject != "Printer on fire" {
		t.Errorf("expected subject 'Printer on fire', got %q", got.Subject)
	}
	if got.OwnerID != "alice" {
		t.Errorf("expected owner alice, got %q", got.OwnerID)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected created_at to be set")
	}
}

func TestGetTicketNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTicket(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListTicketsByOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.CreateTicket(ctx, "alice", fmt.Sprintf("ticket %d", i), ""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.CreateTicket(ctx, "bob", "bob's ticket", ""); err != nil {
		t.Fatal(err)
	}

	tickets, err := s.ListTickets(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(tickets) != 3 {
		t.Fatalf("expected 3 tickets for alice, got %d", len(tickets))
	}
	if tickets[0].Subject != "ticket 2" {
		t.Errorf("expected newest first, got %q", tickets[0].Subject)
	}

	none, err := s.ListTickets(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil list, got %v", none)
	}
}

func TestAppendMessageOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket, err := s.CreateTicket(ctx, "alice", "subject", "desc")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		if _, err := s.AppendMessage(ctx, ticket.ID, types.AuthorUser, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ListMessages(ctx, ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Content != fmt.Sprintf("msg %d", i) {
			t.Errorf("message %d out of order: %q", i, m.Content)
		}
		if m.TicketID != ticket.ID {
			t.Errorf("expected ticket id %s, got %s", ticket.ID, m.TicketID)
		}
	}
}

func TestAppendMessageUnknownTicket(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendMessage(context.Background(), "missing", types.AuthorUser, "hello")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListMessagesUnknownTicket(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ListMessages(context.Background(), "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessageStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket, err := s.CreateTicket(ctx, "alice", "subject", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.AppendMessage(ctx, ticket.ID, types.AuthorAssistant, "answer"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTicket(ctx, ticket.ID)
	if got.Status != types.TicketAnswered {
		t.Errorf("expected answered after assistant reply, got %q", got.Status)
	}

	if _, err := s.AppendMessage(ctx, ticket.ID, types.AuthorUser, "follow-up"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetTicket(ctx, ticket.ID)
	if got.Status != types.TicketOpen {
		t.Errorf("expected open after user follow-up, got %q", got.Status)
	}
}

func TestAppendMessageConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket, err := s.CreateTicket(ctx, "alice", "subject", "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.AppendMessage(ctx, ticket.ID, types.AuthorAssistant, fmt.Sprintf("reply %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(ctx, ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 10 {
		t.Errorf("expected 10 messages, got %d", len(msgs))
	}
}

func TestUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ticket, err := s.CreateTicket(ctx, "alice", "subject", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateStatus(ctx, ticket.ID, types.TicketClosed); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTicket(ctx, ticket.ID)
	if got.Status != types.TicketClosed {
		t.Errorf("expected closed, got %q", got.Status)
	}

	if err := s.UpdateStatus(ctx, ticket.ID, "bogus"); err == nil {
		t.Error("expected error for invalid status")
	}
	if err := s.UpdateStatus(ctx, "missing", types.TicketOpen); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCloseStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateTicket(ctx, "alice", "a", "")
	b, _ := s.CreateTicket(ctx, "alice", "b", "")
	if err := s.UpdateStatus(ctx, b.ID, types.TicketClosed); err != nil {
		t.Fatal(err)
	}

	// Nothing is older than an hour ago.
	n, err := s.CloseStale(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected 0 closed, got %d", n)
	}

	n, err = s.CloseStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 closed (already-closed ticket skipped), got %d", n)
	}
	got, _ := s.GetTicket(ctx, a.ID)
	if got.Status != types.TicketClosed {
		t.Errorf("expected ticket a closed, got %q", got.Status)
	}
}

func TestMySQLDSN(t *testing.T) {
	dsn := MySQLDSN("db:3306", "app", "secret", "tickets")
	expected := "app:secret@tcp(db:3306)/tickets?charset=utf8mb4&parseTime=true"
	if dsn != expected {
		t.Errorf("expected %q, got %q", expected, dsn)
	}
}
