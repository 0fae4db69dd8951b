// Package provider abstracts LLM backends behind a single streaming
// contract. Adapters convert each vendor's wire protocol into a sequence of
// tagged StreamEvents; everything above this package sees only that
// sequence.
package provider

import (
	"context"
	"encoding/json"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/tools"
)

// Kind tags a StreamEvent variant.
type Kind string

const (
	KindStart         Kind = "start"
	KindTextStart     Kind = "text_start"
	KindTextDelta     Kind = "text_delta"
	KindTextEnd       Kind = "text_end"
	KindThinkingStart Kind = "thinking_start"
	KindThinkingDelta Kind = "thinking_delta"
	KindThinkingEnd   Kind = "thinking_end"
	KindToolCallStart Kind = "toolcall_start"
	KindToolCallDelta Kind = "toolcall_delta"
	KindToolCallEnd   Kind = "toolcall_end"
	KindRetry         Kind = "retry"
	KindError         Kind = "error"
	KindDone          Kind = "done"
)

// ToolCall is a complete tool invocation request from the model. IDs are
// already normalized by the adapter.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// StreamEvent is one tagged event of a provider stream. Fields are
// populated per kind.
type StreamEvent struct {
	Kind Kind

	// text_delta, text_end, thinking_delta, thinking_end
	Text string
	// thinking_end, when the model signs its thinking
	Signature string

	// toolcall_start (ID and Name), toolcall_end (complete call)
	ToolCall *ToolCall
	// toolcall_delta
	ToolCallID string
	ArgsChunk  string

	// retry
	Attempt    int
	MaxRetries int
	DelayMs    int64

	// error
	Err error

	// done
	StopReason string
	Usage      *events.TokenUsage
}

// Message is one conversation entry sent to a provider.
type Message struct {
	Role    string // user or assistant
	Content []events.ContentBlock
}

// SystemBlock is one segment of the system prompt. Cache marks it for
// provider-side prompt caching where supported.
type SystemBlock struct {
	Text  string
	Cache bool
}

// Request carries everything a provider needs for one turn.
type Request struct {
	Model          string
	System         []SystemBlock
	Messages       []Message
	Tools          []tools.Definition
	MaxTokens      int
	Thinking       bool
	ThinkingBudget int
}

// Provider streams completions. Implementations must be safe for
// concurrent use; each Stream call is independent.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}
