package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	StreamFunc func(ctx context.Context, messages []Message) (<-chan Delta, error)
}

func (m *MockProvider) Stream(ctx context.Context, messages []Message) (<-chan Delta, error) {
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, messages)
	}
	ch := make(chan Delta, 1)
	ch <- Delta{Content: "mock stream"}
	close(ch)
	return ch, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	messages := []Message{{Role: RoleUser, Content: "test"}}

	stream, err := provider.Stream(context.Background(), messages)
	if err != nil {
		t.Fatal(err)
	}
	delta := <-stream
	if delta.Content == "" {
		t.Error("expected non-empty delta")
	}
	if _, ok := <-stream; ok {
		t.Error("expected stream to be closed")
	}
}

func TestMockProviderCustomStream(t *testing.T) {
	mock := &MockProvider{
		StreamFunc: func(ctx context.Context, messages []Message) (<-chan Delta, error) {
			ch := make(chan Delta, 3)
			ch <- Delta{Content: "Hel"}
			ch <- Delta{Content: "lo"}
			ch <- Delta{Err: errors.New("upstream dropped")}
			close(ch)
			return ch, nil
		},
	}

	stream, err := mock.Stream(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	var sb strings.Builder
	var streamErr error
	for d := range stream {
		if d.Err != nil {
			streamErr = d.Err
			continue
		}
		sb.WriteString(d.Content)
	}
	if sb.String() != "Hello" {
		t.Errorf("expected 'Hello', got %q", sb.String())
	}
	if streamErr == nil {
		t.Error("expected terminal error delta")
	}
}
