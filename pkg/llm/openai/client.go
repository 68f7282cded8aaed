package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/ticketdesk/pkg/llm"
)

// DefaultBaseURL points at Groq's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://api.groq.com/openai/v1"

// DefaultModel is used when the config leaves the model empty.
const DefaultModel = "llama3-8b-8192"

// ErrTruncated is reported when the stream ends without the [DONE]
// sentinel or a finish reason.
var ErrTruncated = errors.New("stream ended before completion")

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client

	// Retry governs re-opening the stream on transient failures. Nothing is
	// retried once the backend has accepted the request.
	Retry *llm.RetryPolicy
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Streams can run for minutes; only bound the wait for headers.
	transport.ResponseHeaderTimeout = 60 * time.Second

	return &Client{
		config:     config,
		httpClient: &http.Client{Transport: transport},
		Retry:      llm.DefaultRetryPolicy(),
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	// StreamOptions asks for a trailing usage chunk.
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chunk is one streamed chat.completion.chunk object.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chunkUsage `json:"usage"`
	// Groq reports usage under x_groq instead of the top level.
	XGroq *struct {
		Usage *chunkUsage `json:"usage"`
	} `json:"x_groq"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// usage returns the token counts carried by the chunk, if any.
func (ck *chunk) usage() *llm.Usage {
	u := ck.Usage
	if u == nil && ck.XGroq != nil {
		u = ck.XGroq.Usage
	}
	if u == nil {
		return nil
	}
	return &llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// Stream sends a streaming chat completion request and returns a channel of
// content deltas in generation order.
func (c *Client) Stream(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	model := c.config.Model
	if model == "" {
		model = DefaultModel
	}
	reqBody := chatRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	baseURL := c.config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	url := baseURL + "/chat/completions"

	var resp *http.Response
	open := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

		r, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			msg, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
			return &llm.StatusError{StatusCode: r.StatusCode, Body: string(msg)}
		}
		resp = r
		return nil
	}

	retry := c.Retry
	if retry == nil {
		retry = &llm.RetryPolicy{MaxAttempts: 1}
	}
	if err := retry.Execute(ctx, open); err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta)
	go c.relay(ctx, resp.Body, ch)
	return ch, nil
}

// relay parses the SSE body and forwards content deltas until [DONE],
// an error, or cancellation. It owns and closes both body and ch.
func (c *Client) relay(ctx context.Context, body io.ReadCloser, ch chan<- llm.Delta) {
	defer close(ch)
	defer body.Close()

	send := func(d llm.Delta) bool {
		select {
		case ch <- d:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finished := false
	scanner := llm.NewSSEScanner(body)
	for scanner.Next() {
		data := scanner.Event().Data
		if data == "[DONE]" {
			return
		}

		var ck chunk
		if err := json.Unmarshal([]byte(data), &ck); err != nil {
			send(llm.Delta{Err: fmt.Errorf("parsing stream chunk: %w", err)})
			return
		}
		if ck.Error != nil {
			send(llm.Delta{Err: fmt.Errorf("stream error: %s: %s", ck.Error.Type, ck.Error.Message)})
			return
		}
		for _, choice := range ck.Choices {
			if choice.Delta.Content != "" {
				if !send(llm.Delta{Content: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finished = true
			}
		}
		if u := ck.usage(); u != nil {
			if !send(llm.Delta{Usage: u}) {
				return
			}
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		send(llm.Delta{Err: fmt.Errorf("reading stream: %w", err)})
		return
	}
	if !finished {
		send(llm.Delta{Err: ErrTruncated})
	}
}
