package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Stream sends a chat completion request and returns a channel of
	// incremental deltas. An error return means the stream never opened.
	// Once opened, the channel yields fragments in generation order and is
	// closed when the completion ends; a failure mid-stream arrives as a
	// final Delta with Err set. A stream is consumed once and cannot be
	// restarted. Cancelling ctx stops the stream and closes the channel.
	Stream(ctx context.Context, messages []Message) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
