package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ctxengine "github.com/user/ticketdesk/internal/context"
	"github.com/user/ticketdesk/internal/state"
	"github.com/user/ticketdesk/internal/types"
	"github.com/user/ticketdesk/pkg/llm"
)

// mockProvider satisfies llm.Provider with a replaceable stream function.
type mockProvider struct {
	calls      atomic.Int32
	StreamFunc func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error)
}

func (m *mockProvider) Stream(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	m.calls.Add(1)
	return m.StreamFunc(ctx, messages)
}

// fragments returns a provider that emits pieces then, if err is non-nil, fails.
func fragments(err error, pieces ...string) *mockProvider {
	return &mockProvider{
		StreamFunc: func(ctx context.Context, _ []llm.Message) (<-chan llm.Delta, error) {
			ch := make(chan llm.Delta)
			go func() {
				defer close(ch)
				for _, p := range pieces {
					select {
					case ch <- llm.Delta{Content: p}:
					case <-ctx.Done():
						return
					}
				}
				if err != nil {
					select {
					case ch <- llm.Delta{Err: err}:
					case <-ctx.Done():
					}
				}
			}()
			return ch, nil
		},
	}
}

type promptFunc func(ctx context.Context, ticket *types.Ticket, history []*types.Message) (*ctxengine.Prompt, error)

func (f promptFunc) BuildPrompt(ctx context.Context, ticket *types.Ticket, history []*types.Message) (*ctxengine.Prompt, error) {
	return f(ctx, ticket, history)
}

func echoPrompts() promptFunc {
	return func(_ context.Context, ticket *types.Ticket, history []*types.Message) (*ctxengine.Prompt, error) {
		msgs := []llm.Message{{Role: llm.RoleUser, Content: ticket.Subject}}
		for _, m := range history {
			msgs = append(msgs, llm.Message{Role: string(m.Author), Content: m.Content})
		}
		return &ctxengine.Prompt{Messages: msgs}, nil
	}
}

// recordingSink collects fragments and can simulate a disconnect.
type recordingSink struct {
	mu        sync.Mutex
	got       []string
	failAfter int
}

func (s *recordingSink) Send(fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.got) >= s.failAfter {
		return errors.New("write: broken pipe")
	}
	s.got = append(s.got, fragment)
	return nil
}

func (s *recordingSink) fragments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

type fixture struct {
	store  *state.TicketStore
	audit  *state.AuditLog
	ticket *types.Ticket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := state.OpenSQLite(filepath.Join(dir, "tickets.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ticket, err := store.CreateTicket(context.Background(), "alice", "VPN drops", "Every 10 minutes.")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{store: store, audit: state.NewAuditLog(dir), ticket: ticket}
}

func (f *fixture) messages(t *testing.T) []*types.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), f.ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func (f *fixture) auditTypes(t *testing.T) []string {
	t.Helper()
	events, err := f.audit.Tail(context.Background(), f.ticket.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestStreamRelaysAndCommits(t *testing.T) {
	f := newFixture(t)
	pieces := []string{"Try ", "restarting ", "the ", "client", "."}
	s := New(f.store, fragments(nil, pieces...), echoPrompts(), f.audit, Config{})

	sink := &recordingSink{}
	sess, err := s.Stream(context.Background(), f.ticket.ID, "alice", sink)
	if err != nil {
		t.Fatal(err)
	}

	got := sink.fragments()
	if len(got) != len(pieces) {
		t.Fatalf("expected %d fragments, got %d", len(pieces), len(got))
	}
	for i := range pieces {
		if got[i] != pieces[i] {
			t.Errorf("fragment %d: expected %q, got %q", i, pieces[i], got[i])
		}
	}

	if sess.State != StateCompleted {
		t.Errorf("expected completed session, got %q", sess.State)
	}
	msgs := f.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(msgs))
	}
	if msgs[0].Author != types.AuthorAssistant {
		t.Errorf("expected assistant author, got %q", msgs[0].Author)
	}
	if msgs[0].Content != strings.Join(pieces, "") {
		t.Errorf("expected committed content %q, got %q", strings.Join(pieces, ""), msgs[0].Content)
	}
	if msgs[0].ID != sess.MessageID {
		t.Errorf("session message id %s does not match stored %s", sess.MessageID, msgs[0].ID)
	}

	trail := f.auditTypes(t)
	if len(trail) != 2 || trail[0] != "stream_started" || trail[1] != "stream_completed" {
		t.Errorf("unexpected audit trail %v", trail)
	}
}

func TestStreamPromptIncludesHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, c := range []string{"first", "second", "third"} {
		if _, err := f.store.AppendMessage(ctx, f.ticket.ID, types.AuthorUser, c); err != nil {
			t.Fatal(err)
		}
	}

	var seen []llm.Message
	provider := &mockProvider{
		StreamFunc: func(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
			seen = messages
			return fragments(nil, "ok").StreamFunc(ctx, messages)
		},
	}
	s := New(f.store, provider, echoPrompts(), nil, Config{})
	if _, err := s.Stream(ctx, f.ticket.ID, "alice", &recordingSink{}); err != nil {
		t.Fatal(err)
	}

	if len(seen) != 4 {
		t.Fatalf("expected ticket + 3 history messages, got %d", len(seen))
	}
	for i, want := range []string{"VPN drops", "first", "second", "third"} {
		if seen[i].Content != want {
			t.Errorf("prompt %d: expected %q, got %q", i, want, seen[i].Content)
		}
	}
}

func TestStreamForbidden(t *testing.T) {
	f := newFixture(t)
	provider := fragments(nil, "secret")
	built := false
	prompts := promptFunc(func(ctx context.Context, ticket *types.Ticket, history []*types.Message) (*ctxengine.Prompt, error) {
		built = true
		return echoPrompts()(ctx, ticket, history)
	})
	s := New(f.store, provider, prompts, f.audit, Config{})

	sink := &recordingSink{}
	_, err := s.Stream(context.Background(), f.ticket.ID, "mallory", sink)
	if !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if provider.calls.Load() != 0 {
		t.Errorf("expected no provider calls, got %d", provider.calls.Load())
	}
	if built {
		t.Error("expected no context assembly for a forbidden requester")
	}
	if len(sink.fragments()) != 0 {
		t.Error("expected nothing sent to the sink")
	}
	if len(f.auditTypes(t)) != 0 {
		t.Error("expected no audit events for a forbidden request")
	}
}

func TestStreamNotFound(t *testing.T) {
	f := newFixture(t)
	provider := fragments(nil, "x")
	s := New(f.store, provider, echoPrompts(), nil, Config{})

	_, err := s.Stream(context.Background(), "no-such-ticket", "alice", &recordingSink{})
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if provider.calls.Load() != 0 {
		t.Errorf("expected no provider calls, got %d", provider.calls.Load())
	}
}

func TestStreamProviderFailsMidway(t *testing.T) {
	f := newFixture(t)
	s := New(f.store, fragments(errors.New("upstream reset"), "a", "b"), echoPrompts(), f.audit, Config{})

	sink := &recordingSink{}
	sess, err := s.Stream(context.Background(), f.ticket.ID, "alice", sink)

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Fragments != 2 {
		t.Errorf("expected 2 fragments before failure, got %d", perr.Fragments)
	}
	if got := sink.fragments(); len(got) != 2 {
		t.Errorf("expected sink to receive 2 fragments, got %v", got)
	}
	if sess.State != StateFailed {
		t.Errorf("expected failed session, got %q", sess.State)
	}
	if len(f.messages(t)) != 0 {
		t.Error("expected no message committed after provider failure")
	}

	events, _ := f.audit.Tail(context.Background(), f.ticket.ID, 1)
	if len(events) != 1 || events[0].Type != types.AuditStreamFailed {
		t.Fatalf("expected stream_failed audit event, got %+v", events)
	}
	var payload map[string]any
	json.Unmarshal(events[0].Payload, &payload)
	if _, ok := payload["partial"]; ok {
		t.Error("partial text must not be recorded unless enabled")
	}
}

func TestStreamRecordPartial(t *testing.T) {
	f := newFixture(t)
	s := New(f.store, fragments(errors.New("boom"), "half ", "done"), echoPrompts(), f.audit, Config{RecordPartial: true})

	if _, err := s.Stream(context.Background(), f.ticket.ID, "alice", &recordingSink{}); err == nil {
		t.Fatal("expected error")
	}

	events, _ := f.audit.Tail(context.Background(), f.ticket.ID, 1)
	var payload map[string]any
	json.Unmarshal(events[0].Payload, &payload)
	if payload["partial"] != "half done" {
		t.Errorf("expected partial 'half done', got %v", payload["partial"])
	}
	if len(f.messages(t)) != 0 {
		t.Error("partial text must never become a message")
	}
}

func TestStreamProviderOpenError(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{
		StreamFunc: func(context.Context, []llm.Message) (<-chan llm.Delta, error) {
			return nil, &llm.StatusError{StatusCode: 401, Body: "bad key"}
		},
	}
	s := New(f.store, provider, echoPrompts(), nil, Config{})

	sink := &recordingSink{}
	_, err := s.Stream(context.Background(), f.ticket.ID, "alice", sink)
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Fragments != 0 {
		t.Fatalf("expected ProviderError with no fragments, got %v", err)
	}
	if len(sink.fragments()) != 0 {
		t.Error("expected nothing sent to the sink")
	}
}

func TestStreamEmptyCompletion(t *testing.T) {
	f := newFixture(t)
	s := New(f.store, fragments(nil), echoPrompts(), nil, Config{})

	_, err := s.Stream(context.Background(), f.ticket.ID, "alice", &recordingSink{})
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Error("expected empty completion to be a ProviderError")
	}
	if len(f.messages(t)) != 0 {
		t.Error("expected no message for an empty completion")
	}
}

func TestStreamSkipsEmptyDeltas(t *testing.T) {
	f := newFixture(t)
	s := New(f.store, fragments(nil, "", "a", "", "b"), echoPrompts(), nil, Config{})

	sink := &recordingSink{}
	sess, err := s.Stream(context.Background(), f.ticket.ID, "alice", sink)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Fragments != 2 || len(sink.fragments()) != 2 {
		t.Errorf("expected 2 fragments, got %d (sink %v)", sess.Fragments, sink.fragments())
	}
}

func TestStreamRecordsUsage(t *testing.T) {
	f := newFixture(t)
	provider := &mockProvider{
		StreamFunc: func(ctx context.Context, _ []llm.Message) (<-chan llm.Delta, error) {
			ch := make(chan llm.Delta, 3)
			ch <- llm.Delta{Content: "Reboot "}
			ch <- llm.Delta{Content: "the router."}
			ch <- llm.Delta{Usage: &llm.Usage{InputTokens: 42, OutputTokens: 5, TotalTokens: 47}}
			close(ch)
			return ch, nil
		},
	}
	s := New(f.store, provider, echoPrompts(), f.audit, Config{})

	sink := &recordingSink{}
	sess, err := s.Stream(context.Background(), f.ticket.ID, "alice", sink)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Fragments != 2 {
		t.Errorf("usage delta counted as fragment: got %d fragments", sess.Fragments)
	}
	if sess.Usage == nil || sess.Usage.TotalTokens != 47 {
		t.Fatalf("expected session usage total 47, got %+v", sess.Usage)
	}

	events, err := f.audit.Tail(context.Background(), f.ticket.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.Type != types.AuditStreamCompleted {
		t.Fatalf("expected stream_completed last, got %q", last.Type)
	}
	var payload struct {
		Usage *llm.Usage `json:"usage"`
	}
	if err := json.Unmarshal(last.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Usage == nil {
		t.Fatalf("stream_completed payload has no usage: %s", last.Payload)
	}
	if payload.Usage.InputTokens != 42 || payload.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage %+v", payload.Usage)
	}
}

func TestStreamClientDisconnect(t *testing.T) {
	f := newFixture(t)
	providerDone := make(chan struct{})
	provider := &mockProvider{
		StreamFunc: func(ctx context.Context, _ []llm.Message) (<-chan llm.Delta, error) {
			ch := make(chan llm.Delta)
			go func() {
				defer close(providerDone)
				defer close(ch)
				for {
					select {
					case ch <- llm.Delta{Content: "tok "}:
					case <-ctx.Done():
						return
					}
				}
			}()
			return ch, nil
		},
	}
	s := New(f.store, provider, echoPrompts(), f.audit, Config{})

	sink := &recordingSink{failAfter: 3}
	sess, err := s.Stream(context.Background(), f.ticket.ID, "alice", sink)
	if !errors.Is(err, ErrClientDisconnected) {
		t.Fatalf("expected ErrClientDisconnected, got %v", err)
	}
	if sess.State != StateFailed {
		t.Errorf("expected failed session, got %q", sess.State)
	}
	if len(f.messages(t)) != 0 {
		t.Error("expected no message after disconnect")
	}

	select {
	case <-providerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("provider stream was not cancelled")
	}

	trail := f.auditTypes(t)
	if len(trail) == 0 || trail[len(trail)-1] != "stream_cancelled" {
		t.Errorf("expected stream_cancelled, got %v", trail)
	}
}

func TestStreamContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	provider := &mockProvider{
		StreamFunc: func(pctx context.Context, _ []llm.Message) (<-chan llm.Delta, error) {
			ch := make(chan llm.Delta)
			go func() {
				defer close(ch)
				ch <- llm.Delta{Content: "partial"}
				cancel()
				<-pctx.Done()
			}()
			return ch, nil
		},
	}
	s := New(f.store, provider, echoPrompts(), nil, Config{})

	_, err := s.Stream(ctx, f.ticket.ID, "alice", &recordingSink{})
	if !errors.Is(err, ErrClientDisconnected) {
		t.Fatalf("expected ErrClientDisconnected, got %v", err)
	}
	if len(f.messages(t)) != 0 {
		t.Error("expected no message after cancellation")
	}
}

func TestStreamConcurrentSameTicket(t *testing.T) {
	f := newFixture(t)

	// The first call streams "a1 a2" but stalls after its first fragment
	// until released; the second call streams "b1 b2" straight through.
	firstSent := make(chan struct{})
	release := make(chan struct{})
	releaseFirst := sync.OnceFunc(func() { close(release) })
	defer releaseFirst()
	var call atomic.Int32
	provider := &mockProvider{
		StreamFunc: func(ctx context.Context, _ []llm.Message) (<-chan llm.Delta, error) {
			n := call.Add(1)
			ch := make(chan llm.Delta)
			go func() {
				defer close(ch)
				if n == 1 {
					ch <- llm.Delta{Content: "a1 "}
					close(firstSent)
					select {
					case <-release:
					case <-ctx.Done():
						return
					}
					ch <- llm.Delta{Content: "a2"}
					return
				}
				ch <- llm.Delta{Content: "b1 "}
				ch <- llm.Delta{Content: "b2"}
			}()
			return ch, nil
		},
	}
	s := New(f.store, provider, echoPrompts(), f.audit, Config{MaxConcurrent: 4})

	sinkA, sinkB := &recordingSink{}, &recordingSink{}
	type result struct {
		sess *Session
		err  error
	}
	doneA := make(chan result, 1)
	go func() {
		sess, err := s.Stream(context.Background(), f.ticket.ID, "alice", sinkA)
		doneA <- result{sess, err}
	}()

	select {
	case <-firstSent:
	case <-time.After(5 * time.Second):
		t.Fatal("first stream never started")
	}

	sessB, err := s.Stream(context.Background(), f.ticket.ID, "alice", sinkB)
	if err != nil {
		t.Fatalf("second stream: %v", err)
	}
	releaseFirst()

	var resA result
	select {
	case resA = <-doneA:
	case <-time.After(5 * time.Second):
		t.Fatal("first stream never finished")
	}
	if resA.err != nil {
		t.Fatalf("first stream: %v", resA.err)
	}

	if got := sinkA.fragments(); strings.Join(got, "|") != "a1 |a2" {
		t.Errorf("first sink received %q", got)
	}
	if got := sinkB.fragments(); strings.Join(got, "|") != "b1 |b2" {
		t.Errorf("second sink received %q", got)
	}

	msgs := f.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("expected both sessions to commit, got %d messages", len(msgs))
	}
	// Committed in completion order: the second stream finished first.
	if msgs[0].ID != sessB.MessageID || msgs[1].ID != resA.sess.MessageID {
		t.Errorf("messages out of completion order: %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].Content != strings.Join(sinkB.fragments(), "") {
		t.Errorf("second message %q does not match its relayed fragments", msgs[0].Content)
	}
	if msgs[1].Content != strings.Join(sinkA.fragments(), "") {
		t.Errorf("first message %q does not match its relayed fragments", msgs[1].Content)
	}
}

func TestStreamConcurrencyLimit(t *testing.T) {
	f := newFixture(t)
	var active, peak atomic.Int32
	provider := &mockProvider{
		StreamFunc: func(ctx context.Context, _ []llm.Message) (<-chan llm.Delta, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			ch := make(chan llm.Delta)
			go func() {
				defer close(ch)
				defer active.Add(-1)
				time.Sleep(20 * time.Millisecond)
				ch <- llm.Delta{Content: "x"}
			}()
			return ch, nil
		},
	}
	s := New(f.store, provider, echoPrompts(), nil, Config{MaxConcurrent: 1})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stream(context.Background(), f.ticket.ID, "alice", &recordingSink{})
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("expected at most 1 concurrent provider stream, saw %d", peak.Load())
	}
}

func TestStreamOnCommit(t *testing.T) {
	f := newFixture(t)
	s := New(f.store, fragments(nil, "hook me"), echoPrompts(), nil, Config{})

	var got *types.Message
	var gotTicket *types.Ticket
	s.OnCommit = func(_ context.Context, ticket *types.Ticket, msg *types.Message) {
		gotTicket, got = ticket, msg
	}

	if _, err := s.Stream(context.Background(), f.ticket.ID, "alice", &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	s.Wait()

	if got == nil || got.Content != "hook me" {
		t.Fatalf("expected hook with committed message, got %+v", got)
	}
	if gotTicket.ID != f.ticket.ID {
		t.Errorf("expected ticket %s, got %s", f.ticket.ID, gotTicket.ID)
	}
}

// failingStore refuses to commit.
type failingStore struct {
	*state.TicketStore
}

func (failingStore) AppendMessage(context.Context, types.TicketID, types.Author, string) (*types.Message, error) {
	return nil, errors.New("disk full")
}

func TestStreamCommitFailure(t *testing.T) {
	f := newFixture(t)
	s := New(failingStore{f.store}, fragments(nil, "lost"), echoPrompts(), f.audit, Config{})

	sess, err := s.Stream(context.Background(), f.ticket.ID, "alice", &recordingSink{})
	if err == nil {
		t.Fatal("expected commit error")
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		t.Error("commit failure must not be reported as a provider error")
	}
	if sess.State != StateFailed {
		t.Errorf("expected failed session, got %q", sess.State)
	}
}
