package llm

import (
	"errors"
	"strings"
	"testing"
)

func TestSSEScanner(t *testing.T) {
	input := ": keep-alive\n" +
		"data: {\"a\":1}\n\n" +
		"event: error\r\n" +
		"data: line one\r\n" +
		"data: line two\r\n\r\n" +
		"\n\n" +
		"data:[DONE]\n\n"

	scanner := NewSSEScanner(strings.NewReader(input))

	var events []SSEEvent
	for scanner.Next() {
		events = append(events, scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Data != `{"a":1}` || events[0].Type != "" {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].Type != "error" || events[1].Data != "line one\nline two" {
		t.Errorf("unexpected second event %+v", events[1])
	}
	if events[2].Data != "[DONE]" {
		t.Errorf("expected [DONE], got %q", events[2].Data)
	}
}

func TestSSEScannerUnterminatedEvent(t *testing.T) {
	scanner := NewSSEScanner(strings.NewReader("data: tail"))

	if !scanner.Next() {
		t.Fatal("expected final unterminated event")
	}
	if scanner.Event().Data != "tail" {
		t.Errorf("expected 'tail', got %q", scanner.Event().Data)
	}
	if scanner.Next() {
		t.Error("expected end of stream")
	}
	if scanner.Err() != nil {
		t.Errorf("expected clean EOF, got %v", scanner.Err())
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSSEScannerReadError(t *testing.T) {
	scanner := NewSSEScanner(failingReader{})
	if scanner.Next() {
		t.Fatal("expected no events")
	}
	if scanner.Err() == nil {
		t.Error("expected read error")
	}
}
