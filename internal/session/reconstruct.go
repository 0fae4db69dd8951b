package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
	"github.com/chroniclehq/chronicle/internal/persist"
	"github.com/chroniclehq/chronicle/internal/subagent"
)

// Reconstructor rebuilds session state from the event chain on resume.
// Reconstruction walks getAncestors(head), never a full session scan, so
// forked and out-of-branch events are excluded.
type Reconstructor struct {
	store  eventstore.Store
	logger *slog.Logger
}

// NewReconstructor creates a reconstructor.
func NewReconstructor(store eventstore.Store, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{store: store, logger: logger.With("component", "reconstruct")}
}

// Reconstruct rebuilds the full State for a session. A session without a
// head gets fresh trackers.
func (r *Reconstructor) Reconstruct(ctx context.Context, sess *events.Session) (*State, error) {
	state := NewState(sess, persist.New(r.store, sess, r.logger))
	if sess.HeadEventID == "" {
		return state, nil
	}

	chain, err := r.store.GetAncestors(ctx, sess.HeadEventID)
	if err != nil {
		return nil, fmt.Errorf("session: reconstruct %s: %w", sess.ID, err)
	}

	state.Skills = SkillsFromEvents(chain)
	state.Rules = RulesFromEvents(chain)
	state.Todos = TodosFromEvents(chain)
	state.Subagents = subagentsFromEvents(chain)

	for _, ev := range chain {
		switch ev.Type {
		case events.TypeConfigReasoningLevel:
			var p events.ReasoningLevelPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				state.SetReasoningLevel(p.NewLevel)
			}
		case events.TypeMessageUser:
			state.RecordUserEvent(ev.ID)
		}
	}

	state.setRestoredContextTokens(restoredContextTokens(chain))
	return state, nil
}

// subagentsFromEvents replays subagent lifecycle events into a tracker.
func subagentsFromEvents(chain []*events.Event) *subagent.Tracker {
	t := subagent.NewTracker()
	for _, ev := range chain {
		switch ev.Type {
		case events.TypeSubagentStarted:
			var p events.SubagentStartedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				t.Register(p.SubagentSessionID)
			}
		case events.TypeSubagentCompleted:
			var p events.SubagentCompletedPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				continue
			}
			if p.Error != "" {
				t.MarkFailed(p.SubagentSessionID, fmt.Errorf("%s", p.Error))
			} else {
				t.MarkCompleted(p.SubagentSessionID, p.Result)
			}
		}
	}
	return t
}

// restoredContextTokens scans for the most recent context-size signal. The
// later of stream.turn_end and compact.boundary wins because a compaction
// invalidates all prior turn counts. A boundary without the estimate falls
// back to the legacy compactedTokens field.
func restoredContextTokens(chain []*events.Event) int {
	tokens := 0
	for _, ev := range chain {
		switch ev.Type {
		case events.TypeTurnEnd:
			var p events.TurnEndPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.TokenRecord != nil {
				tokens = p.TokenRecord.Computed.ContextWindowTokens
			}
		case events.TypeCompactBoundary:
			var p events.CompactBoundaryPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				continue
			}
			if p.EstimatedContextTokens != nil {
				tokens = *p.EstimatedContextTokens
			} else {
				tokens = p.CompactedTokens
			}
		}
	}
	return tokens
}
