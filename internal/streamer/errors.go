package streamer

import (
	"errors"
	"fmt"
)

var (
	// ErrClientDisconnected marks a session aborted because the consumer went
	// away. It is a cancellation, not a failure.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrEmptyCompletion is wrapped in a ProviderError when the provider
	// finishes without producing any content.
	ErrEmptyCompletion = errors.New("empty completion")
)

// ProviderError reports that the completion provider failed to open or
// finish a stream. Fragments is the number already relayed to the client.
type ProviderError struct {
	Err       error
	Fragments int
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("completion provider: %v", e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
