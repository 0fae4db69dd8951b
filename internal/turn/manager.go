// Package turn accumulates the streamed content of one provider turn and
// produces the consolidated assistant message that gets persisted. Deltas
// are ephemeral; only the consolidated output ever reaches the event log.
package turn

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/toolid"
)

var (
	// ErrNoActiveTurn is returned for deltas arriving outside a turn.
	ErrNoActiveTurn = errors.New("turn: no active turn")

	// ErrTurnInProgress is returned when starting a turn before ending
	// the previous one.
	ErrTurnInProgress = errors.New("turn: turn already in progress")
)

// ToolIntent declares a tool call before any tool starts, so consumers know
// whether a batch may be parallelized.
type ToolIntent struct {
	ID   string
	Name string
}

// ToolCallState tracks one tool call within the current turn.
type ToolCallState struct {
	ID       string // normalized
	Name     string
	Input    json.RawMessage
	Started  bool
	Finished bool
	Result   string
	IsError  bool
}

// EndTurnResult is what endTurn hands back to the runner: the consolidated
// assistant payload plus the tool results collected during the turn (the
// runner sequences those into the next user message).
type EndTurnResult struct {
	Assistant   events.MessageAssistantPayload
	ToolResults []events.ToolResultPayload
}

// Manager tracks exactly one turn at a time. It is safe for concurrent use:
// the turn loop feeds deltas while subscribers may snapshot accumulated
// content for catch-up.
type Manager struct {
	mu sync.Mutex

	active bool
	turn   int
	model  string

	blocks    []events.ContentBlock // completed + in-progress assistant blocks
	intents   []ToolIntent
	toolCalls []*ToolCallState
	byID      map[string]*ToolCallState

	usage *events.TokenUsage
}

// NewManager creates an idle turn manager.
func NewManager() *Manager {
	return &Manager{byID: map[string]*ToolCallState{}}
}

// StartTurn begins turn n. Fails if a turn is already active.
func (m *Manager) StartTurn(n int, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return ErrTurnInProgress
	}
	m.active = true
	m.turn = n
	m.model = model
	m.blocks = nil
	m.intents = nil
	m.toolCalls = nil
	m.byID = map[string]*ToolCallState{}
	m.usage = nil
	return nil
}

// Turn returns the current turn number.
func (m *Manager) Turn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// Active reports whether a turn is in progress.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// AddTextDelta appends streamed text to the current text block, opening a
// new block after any non-text block.
func (m *Manager) AddTextDelta(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ErrNoActiveTurn
	}
	if n := len(m.blocks); n > 0 && m.blocks[n-1].Type == events.BlockText {
		m.blocks[n-1].Text += text
		return nil
	}
	m.blocks = append(m.blocks, events.ContentBlock{Type: events.BlockText, Text: text})
	return nil
}

// AddThinkingDelta appends streamed thinking content.
func (m *Manager) AddThinkingDelta(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ErrNoActiveTurn
	}
	if n := len(m.blocks); n > 0 && m.blocks[n-1].Type == events.BlockThinking && m.blocks[n-1].Signature == "" {
		m.blocks[n-1].Text += text
		return nil
	}
	m.blocks = append(m.blocks, events.ContentBlock{Type: events.BlockThinking, Text: text})
	return nil
}

// SetThinkingSignature attaches the signature to the most recent thinking
// block. Thinking persisted without a signature is display-only.
func (m *Manager) SetThinkingSignature(signature string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ErrNoActiveTurn
	}
	for i := len(m.blocks) - 1; i >= 0; i-- {
		if m.blocks[i].Type == events.BlockThinking {
			m.blocks[i].Signature = signature
			return nil
		}
	}
	return errors.New("turn: no thinking block to sign")
}

// RegisterToolIntents declares the tool calls of this turn before any tool
// starts executing.
func (m *Manager) RegisterToolIntents(intents []ToolIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ErrNoActiveTurn
	}
	m.intents = append(m.intents, intents...)
	return nil
}

// ToolIntents returns the declared intents for the current turn.
func (m *Manager) ToolIntents() []ToolIntent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolIntent, len(m.intents))
	copy(out, m.intents)
	return out
}

// StartToolCall records a tool call. The id is normalized here, once, so
// every downstream record (tool.call, tool.result, assistant content) uses
// the same namespace. Returns the normalized id.
func (m *Manager) StartToolCall(id, name string, input json.RawMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return "", ErrNoActiveTurn
	}
	normalized := toolid.Normalize(id)
	state := &ToolCallState{ID: normalized, Name: name, Input: input, Started: true}
	m.toolCalls = append(m.toolCalls, state)
	m.byID[normalized] = state
	m.blocks = append(m.blocks, events.ContentBlock{
		Type:  events.BlockToolUse,
		ID:    normalized,
		Name:  name,
		Input: input,
	})
	return normalized, nil
}

// EndToolCall records a tool result for a previously started call.
func (m *Manager) EndToolCall(id, result string, isError bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return ErrNoActiveTurn
	}
	state, ok := m.byID[toolid.Normalize(id)]
	if !ok {
		return errors.New("turn: unknown tool call " + id)
	}
	state.Finished = true
	state.Result = result
	state.IsError = isError
	return nil
}

// SetResponseTokenUsage records usage from response_complete. It arrives
// before tools finish, so endTurn can always attach it.
func (m *Manager) SetResponseTokenUsage(usage events.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := usage
	m.usage = &u
}

// AccumulatedContent returns a snapshot of the turn so far: completed and
// in-progress blocks. A consumer joining mid-turn catches up from this.
func (m *Manager) AccumulatedContent() []events.ContentBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]events.ContentBlock, len(m.blocks))
	copy(out, m.blocks)
	return out
}

// BuildInterruptedContent returns exactly what must be persisted when the
// turn is aborted: the assistant blocks seen so far plus the tool results
// already received. Only the current turn is included; anything older is
// already persisted and would duplicate on resume.
func (m *Manager) BuildInterruptedContent() ([]events.ContentBlock, []events.ToolResultPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blocks := make([]events.ContentBlock, len(m.blocks))
	copy(blocks, m.blocks)

	var results []events.ToolResultPayload
	for _, tc := range m.toolCalls {
		if !tc.Finished {
			continue
		}
		results = append(results, events.ToolResultPayload{
			Turn:       m.turn,
			ToolCallID: tc.ID,
			Content:    tc.Result,
			IsError:    tc.IsError,
		})
	}
	return blocks, results
}

// EndTurn consolidates the turn into the assistant payload and resets to
// idle. stopReason comes from the provider's done event.
func (m *Manager) EndTurn(stopReason string) (*EndTurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil, ErrNoActiveTurn
	}

	result := &EndTurnResult{
		Assistant: events.MessageAssistantPayload{
			Turn:       m.turn,
			Content:    m.blocks,
			Model:      m.model,
			StopReason: stopReason,
			Usage:      m.usage,
		},
	}
	for _, tc := range m.toolCalls {
		if !tc.Finished {
			continue
		}
		result.ToolResults = append(result.ToolResults, events.ToolResultPayload{
			Turn:       m.turn,
			ToolCallID: tc.ID,
			Content:    tc.Result,
			IsError:    tc.IsError,
		})
	}

	m.active = false
	m.blocks = nil
	m.intents = nil
	m.toolCalls = nil
	m.byID = map[string]*ToolCallState{}
	m.usage = nil
	return result, nil
}

// ReplayContent filters persisted assistant content for sending back to a
// provider: thinking blocks without a signature are dropped (they remain in
// the displayable log, but providers reject unverifiable thinking).
func ReplayContent(blocks []events.ContentBlock) []events.ContentBlock {
	out := make([]events.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == events.BlockThinking && b.Signature == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}
