package session

import (
	"sync"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/persist"
	"github.com/chroniclehq/chronicle/internal/subagent"
	"github.com/chroniclehq/chronicle/internal/turn"
)

// State is one session's in-memory context: the persister owning its
// linearization chain, the turn manager, and the trackers rebuilt from the
// chain. Exactly one State exists per active session.
type State struct {
	Session   *events.Session
	Persister *persist.Persister
	Turns     *turn.Manager
	Skills    *SkillTracker
	Rules     *RulesTracker
	Todos     *TodoTracker
	Subagents *subagent.Tracker

	mu                    sync.Mutex
	processing            bool
	reasoningLevel        string
	lastUserEventID       string
	wasInterrupted        bool
	messageCount          int
	restoredContextTokens int
}

// NewState assembles a session context around fresh trackers.
func NewState(sess *events.Session, p *persist.Persister) *State {
	return &State{
		Session:   sess,
		Persister: p,
		Turns:     turn.NewManager(),
		Skills:    NewSkillTracker(),
		Rules:     NewRulesTracker(),
		Todos:     NewTodoTracker(),
		Subagents: subagent.NewTracker(),
	}
}

// TryBeginProcessing marks the session busy. Returns false if a run is
// already in flight; at most one turn runs per session.
func (s *State) TryBeginProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	return true
}

// EndProcessing clears the busy flag.
func (s *State) EndProcessing() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// Processing reports whether a run is in flight.
func (s *State) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// ReasoningLevel returns the effective reasoning level.
func (s *State) ReasoningLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reasoningLevel
}

// SetReasoningLevel records a level change and returns the previous level.
func (s *State) SetReasoningLevel(level string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.reasoningLevel
	s.reasoningLevel = level
	return prev
}

// RecordUserEvent notes the latest message.user event id for context audit.
func (s *State) RecordUserEvent(id string) {
	s.mu.Lock()
	s.lastUserEventID = id
	s.messageCount++
	s.mu.Unlock()
}

// LastUserEventID returns the latest message.user event id.
func (s *State) LastUserEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUserEventID
}

// MessageCount returns how many user messages this session has seen while
// active.
func (s *State) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// MarkInterrupted flags the session as interrupted.
func (s *State) MarkInterrupted() {
	s.mu.Lock()
	s.wasInterrupted = true
	s.mu.Unlock()
}

// WasInterrupted reports whether the last run was interrupted.
func (s *State) WasInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasInterrupted
}

// RestoredContextTokens returns the context occupancy restored on resume.
func (s *State) RestoredContextTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoredContextTokens
}

func (s *State) setRestoredContextTokens(n int) {
	s.mu.Lock()
	s.restoredContextTokens = n
	s.mu.Unlock()
}
