package events

import (
	"encoding/json"
	"time"
)

// EphemeralType identifies a streaming event that is emitted to subscribers
// but never appended to the event log.
type EphemeralType string

const (
	EphemeralTextStart     EphemeralType = "text_start"
	EphemeralTextDelta     EphemeralType = "text_delta"
	EphemeralTextEnd       EphemeralType = "text_end"
	EphemeralThinkingStart EphemeralType = "thinking_start"
	EphemeralThinkingDelta EphemeralType = "thinking_delta"
	EphemeralThinkingEnd   EphemeralType = "thinking_end"
	EphemeralToolCallStart EphemeralType = "toolcall_start"
	EphemeralToolCallDelta EphemeralType = "toolcall_delta"
	EphemeralToolCallEnd   EphemeralType = "toolcall_end"
	EphemeralToolExecStart EphemeralType = "tool_execution_start"
	EphemeralToolExecEnd   EphemeralType = "tool_execution_end"

	EphemeralAgentComplete EphemeralType = "agent.complete"
	EphemeralAgentReady    EphemeralType = "agent.ready"
	EphemeralTurnComplete  EphemeralType = "turn_complete"

	EphemeralHookTriggered           EphemeralType = "hook_triggered"
	EphemeralHookCompleted           EphemeralType = "hook_completed"
	EphemeralHookBackgroundStarted   EphemeralType = "hook.background_started"
	EphemeralHookBackgroundCompleted EphemeralType = "hook.background_completed"
	EphemeralErrorPersistence        EphemeralType = "error.persistence"
	EphemeralRetry                   EphemeralType = "retry"
)

// Ephemeral is a streaming event fanned out to subscribers. Delivery is
// best-effort; there is no exactly-once guarantee and no ordering guarantee
// across sessions.
type Ephemeral struct {
	Type      EphemeralType `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	Turn      int           `json:"turn,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// Text carries delta content for text_* and thinking_* events.
	Text string `json:"text,omitempty"`

	// Tool fields for toolcall_* and tool_execution_* events.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`

	// Hook fields.
	HookType    string `json:"hook_type,omitempty"`
	HookName    string `json:"hook_name,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`

	// Success and Error report agent.complete / error outcomes.
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// Detail holds event-specific extras (hook results, retry info).
	Detail map[string]any `json:"detail,omitempty"`
}

// NewEphemeral builds an ephemeral event with the timestamp set.
func NewEphemeral(t EphemeralType, sessionID string) Ephemeral {
	return Ephemeral{Type: t, SessionID: sessionID, Timestamp: time.Now()}
}
