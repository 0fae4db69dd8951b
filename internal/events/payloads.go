package events

import (
	"encoding/json"
	"time"
)

// ContentBlock is one block of message content. Blocks appear in assistant
// messages (text, thinking, tool_use) and user messages (text, image,
// document, tool_result).
type ContentBlock struct {
	Type string `json:"type"`

	// Text carries text and thinking content.
	Text string `json:"text,omitempty"`

	// Signature is set on verified thinking blocks. Thinking without a
	// signature is display-only and never sent back to a provider.
	Signature string `json:"signature,omitempty"`

	// ID and Name identify a tool_use block.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// ToolCallID, Content and IsError describe a tool_result block.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// MediaType and Data carry inline image/document content.
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Content block type tags.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
	BlockDocument   = "document"
)

// TokenUsage reports provider token accounting for one response.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// ComputedTokens holds derived token figures.
type ComputedTokens struct {
	// ContextWindowTokens is the estimated total context occupancy after
	// the turn completed.
	ContextWindowTokens int `json:"contextWindowTokens"`
}

// TokenRecord is the usage record attached to stream.turn_end events.
type TokenRecord struct {
	Usage    TokenUsage     `json:"usage"`
	Computed ComputedTokens `json:"computed"`
}

// MessageUserPayload is the body of a message.user event.
type MessageUserPayload struct {
	Content []ContentBlock `json:"content"`

	// Skills names skill attachments injected alongside the prompt.
	Skills []string `json:"skills,omitempty"`
}

// MessageAssistantPayload is the consolidated body of a message.assistant
// event, assembled by the turn manager at turn end.
type MessageAssistantPayload struct {
	Turn       int            `json:"turn"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *TokenUsage    `json:"usage,omitempty"`
}

// Assistant stop reasons.
const (
	StopEndTurn     = "end_turn"
	StopToolUse     = "tool_use"
	StopMaxTokens   = "max_tokens"
	StopInterrupted = "interrupted"
	StopError       = "error"
)

// ToolCallPayload is the body of a tool.call event. ToolCallID is always in
// the normalized namespace.
type ToolCallPayload struct {
	Turn       int             `json:"turn"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload is the body of a tool.result event.
type ToolResultPayload struct {
	Turn        int    `json:"turn"`
	ToolCallID  string `json:"tool_call_id"`
	Content     string `json:"content,omitempty"`
	IsError     bool   `json:"is_error,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// TurnStartPayload is the body of a stream.turn_start event.
type TurnStartPayload struct {
	Turn  int    `json:"turn"`
	Model string `json:"model,omitempty"`
}

// TurnEndPayload is the body of a stream.turn_end event.
type TurnEndPayload struct {
	Turn        int          `json:"turn"`
	TokenRecord *TokenRecord `json:"tokenRecord,omitempty"`
}

// CompactBoundaryPayload marks a context compaction point. Newer writers set
// EstimatedContextTokens; CompactedTokens is the legacy field kept for
// compatibility and read only when the estimate is absent.
type CompactBoundaryPayload struct {
	EstimatedContextTokens *int   `json:"estimatedContextTokens,omitempty"`
	CompactedTokens        int    `json:"compactedTokens,omitempty"`
	SummaryEventID         string `json:"summary_event_id,omitempty"`
}

// CompactSummaryPayload carries the summary text that replaces compacted
// history.
type CompactSummaryPayload struct {
	Summary string `json:"summary"`
}

// ModelChangePayload records a model switch.
type ModelChangePayload struct {
	PreviousModel string `json:"previousModel"`
	NewModel      string `json:"newModel"`
}

// ReasoningLevelPayload records a reasoning-level change.
type ReasoningLevelPayload struct {
	PreviousLevel string `json:"previousLevel"`
	NewLevel      string `json:"newLevel"`
}

// SkillPayload is the body of skill.added / skill.removed events.
type SkillPayload struct {
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
}

// RulePayload is the body of rule.added / rule.removed events.
type RulePayload struct {
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
}

// TodoItem is one entry in the session todo list.
type TodoItem struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"` // pending | in_progress | done
}

// TodoUpdatedPayload carries a full todo snapshot; the latest event wins on
// reconstruction.
type TodoUpdatedPayload struct {
	Items []TodoItem `json:"items"`
}

// SubagentStartedPayload records a subagent spawn in the parent chain.
type SubagentStartedPayload struct {
	SubagentSessionID string `json:"subagent_session_id"`
	Task              string `json:"task,omitempty"`
}

// SubagentCompletedPayload records a subagent terminal state in the parent
// chain.
type SubagentCompletedPayload struct {
	SubagentSessionID string `json:"subagent_session_id"`
	Result            string `json:"result,omitempty"`
	Error             string `json:"error,omitempty"`
}

// ForkRef identifies the session and commit a worktree was forked from.
type ForkRef struct {
	SessionID string `json:"sessionId"`
	Commit    string `json:"commit"`
}

// WorktreeAcquiredPayload is the body of a worktree.acquired event.
type WorktreeAcquiredPayload struct {
	Path       string   `json:"path"`
	Branch     string   `json:"branch,omitempty"`
	Isolated   bool     `json:"isolated"`
	BaseCommit string   `json:"base_commit,omitempty"`
	ForkedFrom *ForkRef `json:"forkedFrom,omitempty"`
}

// WorktreeReleasedPayload is the body of a worktree.released event.
type WorktreeReleasedPayload struct {
	Path     string `json:"path"`
	Merged   bool   `json:"merged,omitempty"`
	Vanished bool   `json:"vanished,omitempty"`
}

// WorktreeCommitPayload records an auto-commit made on release.
type WorktreeCommitPayload struct {
	Branch  string `json:"branch,omitempty"`
	Commit  string `json:"commit"`
	Message string `json:"message,omitempty"`
}

// WorktreeMergedPayload records a merge of the session branch.
type WorktreeMergedPayload struct {
	Branch   string `json:"branch"`
	Target   string `json:"target"`
	Strategy string `json:"strategy"`
	Commit   string `json:"commit,omitempty"`
}

// ErrorAgentPayload is the body of an error.agent event.
type ErrorAgentPayload struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// InterruptedPayload is the body of a notification.interrupted event.
type InterruptedPayload struct {
	Turn int       `json:"turn"`
	At   time.Time `json:"at"`
}

// LedgerPayload mirrors one continuity-ledger entry into the event chain.
type LedgerPayload struct {
	Entry string `json:"entry"`
}
