// Package events defines the durable event model that every session is built
// from, plus the ephemeral (subscriber-only) event shapes.
package events

import (
	"encoding/json"
	"time"
)

// Type is a namespaced event type string, e.g. "message.user".
type Type string

// Persisted event types. These are the only types that may appear in the
// event log; everything else is ephemeral.
const (
	TypeSessionCreated Type = "session.created"
	TypeSessionEnded   Type = "session.ended"

	TypeMessageUser      Type = "message.user"
	TypeMessageAssistant Type = "message.assistant"

	TypeToolCall   Type = "tool.call"
	TypeToolResult Type = "tool.result"

	TypeTurnStart Type = "stream.turn_start"
	TypeTurnEnd   Type = "stream.turn_end"

	TypeConfigReasoningLevel Type = "config.reasoning_level"
	TypeConfigModel          Type = "config.model"

	TypeSkillAdded   Type = "skill.added"
	TypeSkillRemoved Type = "skill.removed"
	TypeRuleAdded    Type = "rule.added"
	TypeRuleRemoved  Type = "rule.removed"
	TypeTodoUpdated  Type = "todo.updated"

	TypeSubagentStarted   Type = "subagent.started"
	TypeSubagentCompleted Type = "subagent.completed"

	TypeContextCleared  Type = "context.cleared"
	TypeCompactBoundary Type = "compact.boundary"
	TypeCompactSummary  Type = "compact.summary"

	TypeWorktreeAcquired Type = "worktree.acquired"
	TypeWorktreeReleased Type = "worktree.released"
	TypeWorktreeCommit   Type = "worktree.commit"
	TypeWorktreeMerged   Type = "worktree.merged"

	TypeErrorAgent            Type = "error.agent"
	TypeNotificationInterrupt Type = "notification.interrupted"
	TypeMemoryLedger          Type = "memory.ledger"
)

// Event is the universal unit of durable state. Events are append-only and
// immutable: a logical delete or correction is a new event.
type Event struct {
	// ID is an opaque unique identifier.
	ID string `json:"id"`

	// ParentID links this event to its predecessor in the session chain.
	// Empty only for the session root.
	ParentID string `json:"parent_id,omitempty"`

	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id"`

	// WorkspaceID scopes the event for cross-session queries.
	WorkspaceID string `json:"workspace_id,omitempty"`

	// Type is the namespaced event type.
	Type Type `json:"type"`

	// Timestamp is when the store accepted the event.
	Timestamp time.Time `json:"timestamp"`

	// Sequence is per-session and strictly monotonic.
	Sequence int64 `json:"sequence"`

	// Payload is the type-specific body, JSON-encoded.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Session is the durable record of one conversation. It is mutated only by
// appending events; HeadEventID advances with each append.
type Session struct {
	ID               string     `json:"id"`
	WorkspaceID      string     `json:"workspace_id,omitempty"`
	RootEventID      string     `json:"root_event_id,omitempty"`
	HeadEventID      string     `json:"head_event_id,omitempty"`
	WorkingDirectory string     `json:"working_directory,omitempty"`
	LatestModel      string     `json:"latest_model,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	LastActivityAt   time.Time  `json:"last_activity_at"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// Ended reports whether the session has been ended with a session.ended event.
func (s *Session) Ended() bool {
	return s != nil && s.EndedAt != nil && !s.EndedAt.IsZero()
}

// MarshalPayload encodes v as an event payload. It panics only on values that
// cannot be JSON-encoded, which indicates a programming error.
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("events: unencodable payload: " + err.Error())
	}
	return data
}
