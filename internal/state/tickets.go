// internal/state/tickets.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/user/ticketdesk/internal/types"
)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		subject     TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL DEFAULT 'open',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL UNIQUE,
		ticket_id  TEXT NOT NULL REFERENCES tickets(id),
		author     TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ticket ON messages(ticket_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_owner ON tickets(owner_id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id          VARCHAR(36) PRIMARY KEY,
		owner_id    VARCHAR(255) NOT NULL,
		subject     VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		status      ENUM('open', 'answered', 'closed') NOT NULL DEFAULT 'open',
		created_at  VARCHAR(32) NOT NULL,
		updated_at  VARCHAR(32) NOT NULL,
		INDEX idx_tickets_owner (owner_id)
	) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq        BIGINT AUTO_INCREMENT PRIMARY KEY,
		id         VARCHAR(36) NOT NULL UNIQUE,
		ticket_id  VARCHAR(36) NOT NULL,
		author     VARCHAR(16) NOT NULL,
		content    MEDIUMTEXT NOT NULL,
		created_at VARCHAR(32) NOT NULL,
		INDEX idx_messages_ticket (ticket_id, seq),
		FOREIGN KEY (ticket_id) REFERENCES tickets(id)
	) CHARACTER SET utf8mb4`,
}

// TicketStore is a database/sql backed ticket store. SQLite (modernc, pure
// Go) is the default; MySQL is supported for shared deployments.
type TicketStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLite opens (or creates) a SQLite database at path and migrates it.
func OpenSQLite(path string) (*TicketStore, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}
	// SQLite has a single writer; one connection keeps appends serialised.
	db.SetMaxOpenConns(1)
	return newTicketStore(db, DriverSQLite)
}

// MySQLDSN builds a go-sql-driver DSN from discrete connection parameters.
func MySQLDSN(host, user, password, name string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=true", user, password, host, name)
}

// OpenMySQL connects to MySQL with the given DSN and migrates the schema.
func OpenMySQL(dsn string) (*TicketStore, error) {
	db, err := sql.Open(DriverMySQL, dsn)
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: ping: %w", err)
	}
	return newTicketStore(db, DriverMySQL)
}

func newTicketStore(db *sql.DB, driver string) (*TicketStore, error) {
	s := &TicketStore{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *TicketStore) migrate() error {
	schema := sqliteSchema
	if s.driver == DriverMySQL {
		schema = mysqlSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ticket store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *TicketStore) Close() error {
	return s.db.Close()
}

// Driver returns the database driver name in use.
func (s *TicketStore) Driver() string {
	return s.driver
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

// CreateTicket inserts a new open ticket owned by owner.
func (s *TicketStore) CreateTicket(ctx context.Context, owner types.UserID, subject, description string) (*types.Ticket, error) {
	now := time.Now().UTC()
	t := &types.Ticket{
		ID:          types.NewTicketID(),
		OwnerID:     owner,
		Subject:     subject,
		Description: description,
		Status:      types.TicketOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (id, owner_id, subject, description, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(t.ID), string(t.OwnerID), t.Subject, t.Description, string(t.Status), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("ticket store: create: %w", err)
	}
	return t, nil
}

const ticketColumns = "id, owner_id, subject, description, status, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*types.Ticket, error) {
	var t types.Ticket
	var id, owner, status, created, updated string
	if err := row.Scan(&id, &owner, &t.Subject, &t.Description, &status, &created, &updated); err != nil {
		return nil, err
	}
	t.ID = types.TicketID(id)
	t.OwnerID = types.UserID(owner)
	t.Status = types.TicketStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// GetTicket returns the ticket with the given ID or types.ErrNotFound.
func (s *TicketStore) GetTicket(ctx context.Context, id types.TicketID) (*types.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, string(id))
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

// ListTickets returns the owner's tickets, newest first.
func (s *TicketStore) ListTickets(ctx context.Context, owner types.UserID) ([]*types.Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE owner_id = ? ORDER BY created_at DESC`, string(owner))
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	tickets := []*types.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// ListMessages returns the ticket's messages in creation order.
func (s *TicketStore) ListMessages(ctx context.Context, id types.TicketID) ([]*types.Message, error) {
	if _, err := s.GetTicket(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, content, created_at FROM messages WHERE ticket_id = ? ORDER BY seq`, string(id))
	if err != nil {
		return nil, fmt.Errorf("ticket store: list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*types.Message{}
	for rows.Next() {
		var m types.Message
		var msgID, author, created string
		if err := rows.Scan(&msgID, &author, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("ticket store: scan message: %w", err)
		}
		m.ID = types.MessageID(msgID)
		m.TicketID = id
		m.Author = types.Author(author)
		m.CreatedAt = parseTime(created)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// AppendMessage inserts a message and updates the ticket's status and
// updated_at in one transaction. An assistant reply marks an open ticket
// answered; a user message reopens an answered ticket.
func (s *TicketStore) AppendMessage(ctx context.Context, id types.TicketID, author types.Author, content string) (*types.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ticket store: begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM tickets WHERE id = ?`, string(id)).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: append lookup: %w", err)
	}

	now := time.Now().UTC()
	msg := &types.Message{
		ID:        types.NewMessageID(),
		TicketID:  id,
		Author:    author,
		Content:   content,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, ticket_id, author, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(msg.ID), string(id), string(author), content, formatTime(now)); err != nil {
		return nil, fmt.Errorf("ticket store: append message: %w", err)
	}

	next := types.TicketStatus(status)
	switch {
	case author == types.AuthorAssistant && next == types.TicketOpen:
		next = types.TicketAnswered
	case author == types.AuthorUser && next == types.TicketAnswered:
		next = types.TicketOpen
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		string(next), formatTime(now), string(id)); err != nil {
		return nil, fmt.Errorf("ticket store: touch ticket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ticket store: commit: %w", err)
	}
	return msg, nil
}

// UpdateStatus sets the ticket's status.
func (s *TicketStore) UpdateStatus(ctx context.Context, id types.TicketID, status types.TicketStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid ticket status %q", status)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), string(id))
	if err != nil {
		return fmt.Errorf("ticket store: update status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("ticket %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// CloseStale closes every non-closed ticket last updated before the cutoff
// and returns how many were closed.
func (s *TicketStore) CloseStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE status <> ? AND updated_at < ?`,
		string(types.TicketClosed), formatTime(time.Now()), string(types.TicketClosed), formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("ticket store: close stale: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
