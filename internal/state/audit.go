// internal/state/audit.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/ticketdesk/internal/types"
)

// AuditLog is a JSONL-backed append-only log of stream sessions.
// Events are stored per ticket in audit/<ticketID>.jsonl.
type AuditLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.TicketID]*sync.Mutex
}

// NewAuditLog creates a file-backed AuditLog rooted at the given directory.
func NewAuditLog(root string) *AuditLog {
	return &AuditLog{
		root:  root,
		locks: make(map[types.TicketID]*sync.Mutex),
	}
}

// getLock returns the per-ticket mutex, creating one if it doesn't exist.
func (a *AuditLog) getLock(id types.TicketID) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	if lock, ok := a.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	a.locks[id] = lock
	return lock
}

func (a *AuditLog) logPath(id types.TicketID) string {
	return filepath.Join(a.root, "audit", string(id)+".jsonl")
}

// count reads the log file and counts lines. Caller must hold the ticket lock.
func (a *AuditLog) count(id types.TicketID) (int64, error) {
	f, err := os.Open(a.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan audit file: %w", err)
	}
	return count, nil
}

// Append adds an event to the ticket's audit log with an auto-incremented sequence number.
func (a *AuditLog) Append(_ context.Context, event *types.AuditEvent) error {
	lock := a.getLock(event.TicketID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.logPath(event.TicketID)), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	existing, err := a.count(event.TicketID)
	if err != nil {
		return err
	}
	event.Seq = existing + 1

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	f, err := os.OpenFile(a.logPath(event.TicketID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Tail returns the last N events for the given ticket.
func (a *AuditLog) Tail(_ context.Context, id types.TicketID, limit int) ([]*types.AuditEvent, error) {
	lock := a.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(a.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var events []*types.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event types.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal audit event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
