// internal/context/engine.go
package context

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"text/template"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/user/ticketdesk/internal/types"
	"github.com/user/ticketdesk/pkg/llm"
)

// perMessageTokens approximates the role and framing overhead of one chat message.
const perMessageTokens = 4

func init() {
	// BPE ranks come from the binary instead of a download at startup.
	tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
}

var htmlTag = regexp.MustCompile(`<(?:[a-zA-Z][a-zA-Z0-9]*)(?:\s[^>]*)?/?>`)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	system    *template.Template
}

// Prompt is an assembled prompt ready for a provider call.
type Prompt struct {
	Messages []llm.Message
	// Dropped is the number of oldest history messages left out to fit the budget.
	Dropped int
	Tokens  int
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer.
// maxTokens is the model's context window size; zero disables the budget.
// reserve is the number of tokens to reserve for the model's response.
// systemPrompt is a text/template; empty selects DefaultSystemPrompt.
func New(model string, maxTokens, reserve int, systemPrompt string) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models (llama, mixtral, ...)
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}

	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	tmpl, err := template.New("system").Parse(systemPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}

	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		system:    tmpl,
	}, nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil)) + perMessageTokens
}

// BuildPrompt assembles [system, ticket, history...] for a ticket.
// The system and ticket messages are always present. When the history does
// not fit in the input budget the oldest messages are dropped; the count is
// reported in Prompt.Dropped.
func (e *Engine) BuildPrompt(ctx context.Context, ticket *types.Ticket, history []*types.Message) (*Prompt, error) {
	sysPrompt, err := e.renderSystem(ticket)
	if err != nil {
		return nil, err
	}

	head := []llm.Message{
		{Role: llm.RoleSystem, Content: sysPrompt},
		{Role: llm.RoleUser, Content: ticketMessage(ticket)},
	}
	used := 0
	for _, m := range head {
		used += e.countTokens(m.Content)
	}

	// Walk newest to oldest so the most recent turns survive truncation.
	budget := e.maxTokens - e.reserve
	keep := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := e.countTokens(history[i].Content)
		if e.maxTokens > 0 && used+cost > budget {
			break
		}
		used += cost
		keep++
	}
	dropped := len(history) - keep

	messages := make([]llm.Message, 0, len(head)+keep)
	messages = append(messages, head...)
	for _, m := range history[dropped:] {
		messages = append(messages, historyMessage(m))
	}

	if dropped > 0 {
		slog.Warn("prompt history truncated",
			"ticket_id", ticket.ID,
			"dropped", dropped,
			"kept", keep,
			"budget", budget,
		)
	}

	return &Prompt{Messages: messages, Dropped: dropped, Tokens: used}, nil
}

func (e *Engine) renderSystem(ticket *types.Ticket) (string, error) {
	var buf bytes.Buffer
	err := e.system.Execute(&buf, PromptData{
		Time:     time.Now().Format(time.RFC3339),
		TicketID: string(ticket.ID),
		Status:   string(ticket.Status),
	})
	if err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

func ticketMessage(ticket *types.Ticket) string {
	var sb strings.Builder
	sb.WriteString("Subject: ")
	sb.WriteString(ticket.Subject)
	if desc := NormalizeDescription(ticket.Description); desc != "" {
		sb.WriteString("\n\n")
		sb.WriteString(desc)
	}
	return sb.String()
}

func historyMessage(m *types.Message) llm.Message {
	role := llm.RoleUser
	if m.Author == types.AuthorAssistant {
		role = llm.RoleAssistant
	}
	return llm.Message{Role: role, Content: m.Content}
}

// NormalizeDescription converts HTML ticket descriptions (as pasted from
// web forms and mail clients) to markdown. Plain text is returned trimmed.
func NormalizeDescription(desc string) string {
	desc = strings.TrimSpace(desc)
	if !htmlTag.MatchString(desc) {
		return desc
	}
	md, err := htmltomarkdown.ConvertString(desc)
	if err != nil {
		slog.Debug("html description conversion failed, using raw text", "error", err)
		return desc
	}
	return strings.TrimSpace(md)
}
