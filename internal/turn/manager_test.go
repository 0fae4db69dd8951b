package turn

import (
	"encoding/json"
	"testing"

	"github.com/chroniclehq/chronicle/internal/events"
)

func TestDeltaAccumulation(t *testing.T) {
	m := NewManager()
	if err := m.StartTurn(1, "claude-sonnet-4"); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.AddThinkingDelta("let me ")
	m.AddThinkingDelta("think")
	m.SetThinkingSignature("sig-abc")
	m.AddTextDelta("Hello")
	m.AddTextDelta(", world")

	content := m.AccumulatedContent()
	if len(content) != 2 {
		t.Fatalf("blocks = %d, want 2", len(content))
	}
	if content[0].Type != events.BlockThinking || content[0].Text != "let me think" {
		t.Errorf("thinking block = %+v", content[0])
	}
	if content[0].Signature != "sig-abc" {
		t.Errorf("signature = %q, want sig-abc", content[0].Signature)
	}
	if content[1].Type != events.BlockText || content[1].Text != "Hello, world" {
		t.Errorf("text block = %+v", content[1])
	}
}

func TestTextAfterToolUseOpensNewBlock(t *testing.T) {
	m := NewManager()
	m.StartTurn(1, "m")
	m.AddTextDelta("before")
	m.StartToolCall("toolu_01", "read_file", json.RawMessage(`{"path":"a.go"}`))
	m.AddTextDelta("after")

	content := m.AccumulatedContent()
	if len(content) != 3 {
		t.Fatalf("blocks = %d, want 3", len(content))
	}
	if content[1].Type != events.BlockToolUse {
		t.Errorf("middle block = %s, want tool_use", content[1].Type)
	}
	if content[2].Text != "after" {
		t.Errorf("trailing text = %q", content[2].Text)
	}
}

func TestEndTurnConsolidation(t *testing.T) {
	m := NewManager()
	m.StartTurn(3, "claude-sonnet-4")
	m.AddTextDelta("running the tool")
	id, err := m.StartToolCall("call_xyz", "bash", json.RawMessage(`{"cmd":"ls"}`))
	if err != nil {
		t.Fatalf("start tool: %v", err)
	}
	if id == "call_xyz" {
		t.Error("foreign id was not remapped")
	}
	if err := m.EndToolCall("call_xyz", "file.txt", false); err != nil {
		t.Fatalf("end tool: %v", err)
	}
	m.SetResponseTokenUsage(events.TokenUsage{InputTokens: 100, OutputTokens: 25})

	res, err := m.EndTurn(events.StopToolUse)
	if err != nil {
		t.Fatalf("end turn: %v", err)
	}
	if res.Assistant.Turn != 3 {
		t.Errorf("turn = %d, want 3", res.Assistant.Turn)
	}
	if res.Assistant.StopReason != events.StopToolUse {
		t.Errorf("stop reason = %s", res.Assistant.StopReason)
	}
	if res.Assistant.Usage == nil || res.Assistant.Usage.OutputTokens != 25 {
		t.Errorf("usage = %+v", res.Assistant.Usage)
	}
	if len(res.ToolResults) != 1 || res.ToolResults[0].ToolCallID != id {
		t.Fatalf("tool results = %+v", res.ToolResults)
	}

	if m.Active() {
		t.Error("manager still active after EndTurn")
	}
	if _, err := m.EndTurn(events.StopEndTurn); err != ErrNoActiveTurn {
		t.Errorf("double EndTurn err = %v, want ErrNoActiveTurn", err)
	}
}

// Tool-call ids are normalized once, so the assistant content, tool state,
// and tool results all carry the same id.
func TestToolCallIDConsistency(t *testing.T) {
	m := NewManager()
	m.StartTurn(1, "gpt-4o")
	id, _ := m.StartToolCall("call_openai_1", "search", nil)
	m.EndToolCall("call_openai_1", "ok", false)

	res, _ := m.EndTurn(events.StopToolUse)
	var toolUse *events.ContentBlock
	for i := range res.Assistant.Content {
		if res.Assistant.Content[i].Type == events.BlockToolUse {
			toolUse = &res.Assistant.Content[i]
		}
	}
	if toolUse == nil {
		t.Fatal("no tool_use block in consolidated content")
	}
	if toolUse.ID != id || res.ToolResults[0].ToolCallID != id {
		t.Errorf("ids diverged: block=%q result=%q want %q", toolUse.ID, res.ToolResults[0].ToolCallID, id)
	}
}

func TestBuildInterruptedContent(t *testing.T) {
	m := NewManager()
	m.StartTurn(2, "m")
	m.AddTextDelta("partial")
	m.StartToolCall("toolu_done", "a", nil)
	m.EndToolCall("toolu_done", "finished result", false)
	m.StartToolCall("toolu_pending", "b", nil)

	blocks, results := m.BuildInterruptedContent()
	if len(blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(blocks))
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want only the finished call", len(results))
	}
	if results[0].ToolCallID != "toolu_done" {
		t.Errorf("result id = %q", results[0].ToolCallID)
	}
}

func TestStartTurnWhileActive(t *testing.T) {
	m := NewManager()
	m.StartTurn(1, "m")
	if err := m.StartTurn(2, "m"); err != ErrTurnInProgress {
		t.Errorf("err = %v, want ErrTurnInProgress", err)
	}
}

func TestDeltasOutsideTurn(t *testing.T) {
	m := NewManager()
	if err := m.AddTextDelta("x"); err != ErrNoActiveTurn {
		t.Errorf("err = %v, want ErrNoActiveTurn", err)
	}
}

func TestReplayContentDropsUnsignedThinking(t *testing.T) {
	blocks := []events.ContentBlock{
		{Type: events.BlockThinking, Text: "unsigned"},
		{Type: events.BlockThinking, Text: "signed", Signature: "s"},
		{Type: events.BlockText, Text: "answer"},
	}
	out := ReplayContent(blocks)
	if len(out) != 2 {
		t.Fatalf("blocks = %d, want 2", len(out))
	}
	if out[0].Text != "signed" || out[1].Text != "answer" {
		t.Errorf("out = %+v", out)
	}
}
