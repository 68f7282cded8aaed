// Package streamer relays LLM completions to clients fragment by fragment
// and commits the finished reply to the ticket conversation.
package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	ctxengine "github.com/user/ticketdesk/internal/context"
	"github.com/user/ticketdesk/internal/types"
	"github.com/user/ticketdesk/pkg/llm"
)

// Sink receives fragments as they arrive. A non-nil error means the
// consumer is gone and the session must be abandoned.
type Sink interface {
	Send(fragment string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(fragment string) error

func (f SinkFunc) Send(fragment string) error { return f(fragment) }

// PromptBuilder assembles the provider prompt for a ticket.
type PromptBuilder interface {
	BuildPrompt(ctx context.Context, ticket *types.Ticket, history []*types.Message) (*ctxengine.Prompt, error)
}

// CommitHook is called after a reply has been committed.
type CommitHook func(ctx context.Context, ticket *types.Ticket, msg *types.Message)

// Config controls streamer behavior.
type Config struct {
	// MaxConcurrent caps simultaneous provider streams across all tickets.
	MaxConcurrent int64
	// RecordPartial stores the partial text of failed sessions in the audit
	// log. It is never stored as a Message.
	RecordPartial bool
}

// Streamer is the Response Streamer. It is safe for concurrent use; each
// call to Stream owns its own Session.
type Streamer struct {
	store    types.TicketStore
	provider llm.Provider
	prompts  PromptBuilder
	audit    types.AuditLog
	cfg      Config
	sem      *semaphore.Weighted

	// OnCommit, when set, runs in its own goroutine after each commit.
	OnCommit CommitHook

	hooks sync.WaitGroup
}

// New creates a Streamer. audit may be nil to disable the audit log.
func New(store types.TicketStore, provider llm.Provider, prompts PromptBuilder, audit types.AuditLog, cfg Config) *Streamer {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Streamer{
		store:    store,
		provider: provider,
		prompts:  prompts,
		audit:    audit,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// Stream generates an AI reply for the ticket on behalf of requester,
// relaying every fragment to sink in order. On success the exact
// concatenation of the fragments is appended to the ticket as a single
// assistant Message and the completed Session is returned.
//
// Errors: types.ErrNotFound, types.ErrForbidden (both before any provider
// call), *ProviderError, ErrClientDisconnected, or a store error.
func (s *Streamer) Stream(ctx context.Context, ticketID types.TicketID, requester types.UserID, sink Sink) (*Session, error) {
	ticket, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.OwnerID != requester {
		return nil, fmt.Errorf("ticket %s: %w", ticketID, types.ErrForbidden)
	}

	history, err := s.store.ListMessages(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	prompt, err := s.prompts.BuildPrompt(ctx, ticket, history)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, ErrClientDisconnected
	}
	defer s.sem.Release(1)

	sess := newSession(ticketID, requester)
	log := slog.With("ticket_id", ticketID, "stream_id", sess.ID)
	s.record(ctx, sess, types.AuditStreamStarted, map[string]any{
		"requester":       requester,
		"prompt_messages": len(prompt.Messages),
		"prompt_tokens":   prompt.Tokens,
		"history_dropped": prompt.Dropped,
	})
	log.Debug("stream started", "history", len(history), "dropped", prompt.Dropped)

	if err := s.relay(ctx, sess, prompt.Messages, sink); err != nil {
		return sess, s.abort(ctx, log, sess, err)
	}

	// The full reply is in hand; the commit must not be torn by a late cancel.
	commitCtx := context.WithoutCancel(ctx)
	msg, err := s.store.AppendMessage(commitCtx, ticketID, types.AuthorAssistant, sess.Content())
	if err != nil {
		return sess, s.abort(ctx, log, sess, fmt.Errorf("commit reply: %w", err))
	}
	sess.complete(msg.ID)
	completed := map[string]any{
		"message_id": msg.ID,
		"fragments":  sess.Fragments,
		"bytes":      len(msg.Content),
	}
	if sess.Usage != nil {
		completed["usage"] = sess.Usage
	}
	s.record(ctx, sess, types.AuditStreamCompleted, completed)
	log.Info("reply committed",
		"message_id", msg.ID,
		"fragments", sess.Fragments,
		"duration", time.Since(sess.StartedAt),
	)

	if s.OnCommit != nil {
		s.hooks.Add(1)
		go func() {
			defer s.hooks.Done()
			s.OnCommit(commitCtx, ticket, msg)
		}()
	}
	return sess, nil
}

// relay pulls deltas from the provider and forwards them to sink until the
// provider finishes, fails, or the consumer goes away.
func (s *Streamer) relay(ctx context.Context, sess *Session, messages []llm.Message, sink Sink) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deltas, err := s.provider.Stream(streamCtx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return ErrClientDisconnected
		}
		return &ProviderError{Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			return ErrClientDisconnected
		case d, ok := <-deltas:
			if !ok {
				if ctx.Err() != nil {
					return ErrClientDisconnected
				}
				if sess.Fragments == 0 {
					return &ProviderError{Err: ErrEmptyCompletion}
				}
				return nil
			}
			if d.Err != nil {
				if ctx.Err() != nil {
					return ErrClientDisconnected
				}
				return &ProviderError{Err: d.Err, Fragments: sess.Fragments}
			}
			if d.Usage != nil {
				sess.Usage = d.Usage
			}
			if d.Content == "" {
				continue
			}
			if err := sink.Send(d.Content); err != nil {
				return ErrClientDisconnected
			}
			sess.append(d.Content)
		}
	}
}

// abort marks the session failed, audits it, and returns err for the caller.
func (s *Streamer) abort(ctx context.Context, log *slog.Logger, sess *Session, err error) error {
	sess.fail(err)

	if errors.Is(err, ErrClientDisconnected) {
		log.Info("client disconnected, reply discarded", "fragments", sess.Fragments)
		s.record(ctx, sess, types.AuditStreamCancelled, map[string]any{
			"fragments": sess.Fragments,
		})
		return err
	}

	log.Error("stream failed", "fragments", sess.Fragments, "error", err)
	payload := map[string]any{
		"fragments": sess.Fragments,
		"error":     err.Error(),
	}
	if s.cfg.RecordPartial && sess.Fragments > 0 {
		payload["partial"] = sess.Content()
	}
	s.record(ctx, sess, types.AuditStreamFailed, payload)
	return err
}

func (s *Streamer) record(ctx context.Context, sess *Session, typ string, payload map[string]any) {
	if s.audit == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshal audit payload", "error", err)
		return
	}
	event := &types.AuditEvent{
		StreamID: sess.ID,
		TicketID: sess.TicketID,
		Type:     typ,
		At:       time.Now(),
		Payload:  data,
	}
	if err := s.audit.Append(context.WithoutCancel(ctx), event); err != nil {
		slog.Warn("append audit event", "ticket_id", sess.TicketID, "type", typ, "error", err)
	}
}

// Wait blocks until all pending commit hooks have returned.
func (s *Streamer) Wait() {
	s.hooks.Wait()
}
