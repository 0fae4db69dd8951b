// Package hooks runs typed lifecycle hooks around session and tool
// boundaries. Blocking hooks gate the next step; background hooks run
// concurrently after the blocking set and never gate anything.
package hooks

import (
	"context"
	"encoding/json"
	"time"
)

// Type identifies a lifecycle point. The set is closed.
type Type string

const (
	SessionStart     Type = "SessionStart"
	SessionEnd       Type = "SessionEnd"
	PreToolUse       Type = "PreToolUse"
	PostToolUse      Type = "PostToolUse"
	UserPromptSubmit Type = "UserPromptSubmit"
	PreCompact       Type = "PreCompact"
	Stop             Type = "Stop"
	Notification     Type = "Notification"
)

// gating reports whether hooks of this type gate a downstream step. Gating
// types are always executed in blocking mode.
func gating(t Type) bool {
	switch t {
	case PreToolUse, UserPromptSubmit, PreCompact:
		return true
	}
	return false
}

// Mode controls whether a hook gates the caller.
type Mode string

const (
	ModeBlocking   Mode = "blocking"
	ModeBackground Mode = "background"
)

// Action is a hook's verdict.
type Action string

const (
	ActionContinue Action = "continue"
	ActionModify   Action = "modify"
	ActionBlock    Action = "block"
)

// Context carries the lifecycle state a hook inspects. Fields are populated
// per type: tool fields for PreToolUse and PostToolUse, Prompt for
// UserPromptSubmit.
type Context struct {
	SessionID   string
	WorkspaceID string
	Turn        int

	ToolName   string
	ToolInput  json.RawMessage
	ToolResult string

	Prompt string

	Detail map[string]any
}

// Result is returned by a hook handler.
type Result struct {
	Action        Action
	Reason        string
	Message       string
	Modifications map[string]any
}

// Continue is the zero-effect result.
func Continue() *Result { return &Result{Action: ActionContinue} }

// Block aborts the gated step with a reason.
func Block(reason string) *Result { return &Result{Action: ActionBlock, Reason: reason} }

// Modify attaches key/value modifications that the caller merges into the
// gated step.
func Modify(mods map[string]any) *Result {
	return &Result{Action: ActionModify, Modifications: mods}
}

// Handler processes one lifecycle point. It runs under a per-hook timeout.
type Handler func(ctx context.Context, hctx *Context) (*Result, error)

// Filter decides whether a hook applies to a given context. Nil applies
// always.
type Filter func(hctx *Context) bool

// Registration describes one hook. Name is unique per engine.
type Registration struct {
	Name     string
	Type     Type
	Priority int // higher runs first, default 0
	Mode     Mode
	Timeout  time.Duration // 0 means the engine default
	Filter   Filter
	Handler  Handler

	seq int // registration order, used for stable tie-breaks
}

// Outcome aggregates the blocking hooks of one Execute call.
type Outcome struct {
	Action        Action
	Reason        string
	BlockedBy     string
	Messages      []string
	Modifications map[string]any
}

// BackgroundResult describes one background hook's completion.
type BackgroundResult struct {
	Name     string
	Result   string // ok, error, timeout
	Error    string
	Duration time.Duration
}
