package runner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/provider"
	"github.com/chroniclehq/chronicle/internal/session"
	"github.com/chroniclehq/chronicle/internal/turn"
)

// buildSystem assembles the system blocks for one provider request. The base
// prompt is marked for caching; everything session-specific goes into
// separate uncached blocks so the cached prefix stays stable across turns.
func buildSystem(basePrompt string, state *session.State) []provider.SystemBlock {
	var blocks []provider.SystemBlock
	if basePrompt != "" {
		blocks = append(blocks, provider.SystemBlock{Text: basePrompt, Cache: true})
	}

	if rules := state.Rules.Active(); len(rules) > 0 {
		var b strings.Builder
		b.WriteString("Standing rules for this session:\n")
		for _, r := range rules {
			b.WriteString("- ")
			b.WriteString(r.Name)
			if r.Content != "" {
				b.WriteString(": ")
				b.WriteString(r.Content)
			}
			b.WriteString("\n")
		}
		blocks = append(blocks, provider.SystemBlock{Text: b.String()})
	}

	for _, skill := range state.Skills.Active() {
		if skill.Content == "" {
			continue
		}
		blocks = append(blocks, provider.SystemBlock{
			Text: fmt.Sprintf("Skill %q:\n%s", skill.Name, skill.Content),
		})
	}

	// Removed skills are named, in removal order, so the model knows those
	// instructions no longer apply. The order is part of the contract:
	// rebuilding the same chain yields the same block.
	if removed := state.Skills.Removed(); len(removed) > 0 {
		blocks = append(blocks, provider.SystemBlock{
			Text: "The following skills were detached and no longer apply: " + strings.Join(removed, ", "),
		})
	}

	if todos := state.Todos.Snapshot(); len(todos) > 0 {
		var b strings.Builder
		b.WriteString("Current task list:\n")
		for _, item := range todos {
			fmt.Fprintf(&b, "- [%s] %s\n", item.Status, item.Text)
		}
		blocks = append(blocks, provider.SystemBlock{Text: b.String()})
	}

	if sub := subagentSummary(state); sub != "" {
		blocks = append(blocks, provider.SystemBlock{Text: sub})
	}
	return blocks
}

func subagentSummary(state *session.State) string {
	results := state.Subagents.Results()
	if len(results) == 0 {
		return ""
	}
	sort.Slice(results, func(i, j int) bool { return results[i].SessionID < results[j].SessionID })

	var b strings.Builder
	b.WriteString("Subagent results:\n")
	for _, res := range results {
		if res.Error != "" {
			fmt.Fprintf(&b, "- %s failed: %s\n", res.SessionID, res.Error)
		} else {
			fmt.Fprintf(&b, "- %s: %s\n", res.SessionID, res.Output)
		}
	}
	return b.String()
}

// projectMessages folds the ancestor chain into the provider conversation.
// Only durable message and tool events contribute; a compaction boundary
// resets the projection and the summary that follows it seeds the new one.
func projectMessages(chain []*events.Event) []provider.Message {
	var msgs []provider.Message

	appendToolResult := func(block events.ContentBlock) {
		if n := len(msgs); n > 0 && msgs[n-1].Role == "user" {
			last := &msgs[n-1]
			if len(last.Content) > 0 && last.Content[len(last.Content)-1].Type == events.BlockToolResult {
				last.Content = append(last.Content, block)
				return
			}
		}
		msgs = append(msgs, provider.Message{Role: "user", Content: []events.ContentBlock{block}})
	}

	for _, ev := range chain {
		switch ev.Type {
		case events.TypeMessageUser:
			var p events.MessageUserPayload
			if json.Unmarshal(ev.Payload, &p) == nil && len(p.Content) > 0 {
				msgs = append(msgs, provider.Message{Role: "user", Content: p.Content})
			}
		case events.TypeMessageAssistant:
			var p events.MessageAssistantPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				continue
			}
			content := turn.ReplayContent(p.Content)
			if len(content) > 0 {
				msgs = append(msgs, provider.Message{Role: "assistant", Content: content})
			}
		case events.TypeToolResult:
			var p events.ToolResultPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				continue
			}
			content := p.Content
			if p.Interrupted && content == "" {
				content = "[tool execution interrupted]"
			}
			appendToolResult(events.ContentBlock{
				Type:       events.BlockToolResult,
				ToolCallID: p.ToolCallID,
				Content:    content,
				IsError:    p.IsError || p.Interrupted,
			})
		case events.TypeContextCleared, events.TypeCompactBoundary:
			msgs = nil
		case events.TypeCompactSummary:
			var p events.CompactSummaryPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.Summary != "" {
				msgs = append(msgs, provider.Message{Role: "user", Content: []events.ContentBlock{{
					Type: events.BlockText,
					Text: "Summary of the conversation so far:\n" + p.Summary,
				}}})
			}
		}
	}
	return msgs
}

// nextTurnNumber returns one past the highest turn recorded in the chain.
func nextTurnNumber(chain []*events.Event) int {
	highest := 0
	for _, ev := range chain {
		if ev.Type != events.TypeTurnStart {
			continue
		}
		var p events.TurnStartPayload
		if json.Unmarshal(ev.Payload, &p) == nil && p.Turn > highest {
			highest = p.Turn
		}
	}
	return highest + 1
}
