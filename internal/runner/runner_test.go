package runner

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
	"github.com/chroniclehq/chronicle/internal/hooks"
	"github.com/chroniclehq/chronicle/internal/persist"
	"github.com/chroniclehq/chronicle/internal/provider"
	"github.com/chroniclehq/chronicle/internal/session"
	"github.com/chroniclehq/chronicle/internal/tools"
)

// scriptProvider plays back one scripted event sequence per Stream call.
type scriptProvider struct {
	mu      sync.Mutex
	scripts [][]provider.StreamEvent
	calls   int
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Stream(ctx context.Context, _ *provider.Request) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	script := p.scripts[idx]

	ch := make(chan provider.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// hangingProvider emits its prefix then waits for cancellation.
type hangingProvider struct {
	prefix []provider.StreamEvent
}

func (p *hangingProvider) Name() string { return "hanging" }

func (p *hangingProvider) Stream(ctx context.Context, _ *provider.Request) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range p.prefix {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

type echoInput struct {
	Text string `json:"text" jsonschema:"required"`
}

type echoTool struct{}

func (echoTool) Name() string                { return "echo" }
func (echoTool) Description() string         { return "echoes text back" }
func (echoTool) Schema() json.RawMessage     { return tools.SchemaFor[echoInput]() }
func (echoTool) Execute(_ context.Context, input json.RawMessage) (*tools.Result, error) {
	var in echoInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}
	return &tools.Result{Content: "echo: " + in.Text}, nil
}

type fixture struct {
	store  eventstore.Store
	state  *session.State
	hooks  *hooks.Engine
	emits  []*events.Ephemeral
	emitMu sync.Mutex
}

func newFixture(t *testing.T, prov provider.Provider) (*fixture, *Runner) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	sess := &events.Session{ID: "run-s", WorkspaceID: "ws"}
	if err := store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	f := &fixture{store: store}
	emit := func(ev *events.Ephemeral) {
		f.emitMu.Lock()
		f.emits = append(f.emits, ev)
		f.emitMu.Unlock()
	}
	f.state = session.NewState(sess, persist.New(store, sess, nil))
	t.Cleanup(f.state.Persister.Close)
	f.hooks = hooks.NewEngine(nil, emit, time.Second)

	dispatcher := provider.NewDispatcher()
	dispatcher.SetFallback(prov)

	registry := tools.NewRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	r := New(f.state, store, dispatcher, f.hooks, registry, emit, Config{
		Model:     "test-model",
		MaxTokens: 1024,
	}, nil)
	return f, r
}

func (f *fixture) chain(t *testing.T) []*events.Event {
	t.Helper()
	head := f.state.Persister.Head()
	if head == "" {
		return nil
	}
	chain, err := f.store.GetAncestors(context.Background(), head)
	if err != nil {
		t.Fatalf("get ancestors: %v", err)
	}
	return chain
}

func (f *fixture) typesInChain(t *testing.T) []events.Type {
	var out []events.Type
	for _, ev := range f.chain(t) {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fixture) ephemerals(typ events.EphemeralType) []*events.Ephemeral {
	f.emitMu.Lock()
	defer f.emitMu.Unlock()
	var out []*events.Ephemeral
	for _, ev := range f.emits {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// Streamed deltas stay ephemeral; the chain gets exactly one consolidated
// assistant message per turn.
func TestRunPersistsConsolidatedAssistantOnly(t *testing.T) {
	prov := &scriptProvider{scripts: [][]provider.StreamEvent{{
		{Kind: provider.KindTextDelta, Text: "Hel"},
		{Kind: provider.KindTextDelta, Text: "lo"},
		{Kind: provider.KindDone, StopReason: events.StopEndTurn, Usage: &events.TokenUsage{InputTokens: 10, OutputTokens: 2}},
	}}}
	f, r := newFixture(t, prov)

	res, err := r.Run(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.StopReason != events.StopEndTurn || res.Turns != 1 {
		t.Errorf("result = %+v", res)
	}

	var assistants []events.MessageAssistantPayload
	for _, ev := range f.chain(t) {
		if ev.Type == events.TypeMessageAssistant {
			var p events.MessageAssistantPayload
			json.Unmarshal(ev.Payload, &p)
			assistants = append(assistants, p)
		}
	}
	if len(assistants) != 1 {
		t.Fatalf("assistant messages = %d, want 1", len(assistants))
	}
	got := assistants[0]
	if len(got.Content) != 1 || got.Content[0].Text != "Hello" {
		t.Errorf("content = %+v", got.Content)
	}
	if got.StopReason != events.StopEndTurn {
		t.Errorf("stop reason = %q", got.StopReason)
	}
	if got.Usage == nil || got.Usage.OutputTokens != 2 {
		t.Errorf("usage = %+v", got.Usage)
	}

	if deltas := f.ephemerals(events.EphemeralTextDelta); len(deltas) != 2 {
		t.Errorf("delta ephemerals = %d, want 2", len(deltas))
	}

	// The turn end carries the derived context occupancy.
	var turnEnd events.TurnEndPayload
	for _, ev := range f.chain(t) {
		if ev.Type == events.TypeTurnEnd {
			json.Unmarshal(ev.Payload, &turnEnd)
		}
	}
	if turnEnd.TokenRecord == nil || turnEnd.TokenRecord.Computed.ContextWindowTokens != 12 {
		t.Errorf("token record = %+v", turnEnd.TokenRecord)
	}
}

func TestRunToolLoop(t *testing.T) {
	input := json.RawMessage(`{"text":"ping"}`)
	prov := &scriptProvider{scripts: [][]provider.StreamEvent{
		{
			{Kind: provider.KindToolCallStart, ToolCall: &provider.ToolCall{ID: "call_1", Name: "echo"}},
			{Kind: provider.KindToolCallEnd, ToolCall: &provider.ToolCall{ID: "call_1", Name: "echo", Input: input}},
			{Kind: provider.KindDone, StopReason: events.StopToolUse},
		},
		{
			{Kind: provider.KindTextDelta, Text: "done"},
			{Kind: provider.KindDone, StopReason: events.StopEndTurn},
		},
	}}
	f, r := newFixture(t, prov)

	res, err := r.Run(context.Background(), Request{Prompt: "use the tool"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Turns != 2 || res.StopReason != events.StopEndTurn {
		t.Errorf("result = %+v", res)
	}

	var toolResult events.ToolResultPayload
	sawCall := false
	for _, ev := range f.chain(t) {
		switch ev.Type {
		case events.TypeToolCall:
			sawCall = true
		case events.TypeToolResult:
			json.Unmarshal(ev.Payload, &toolResult)
		}
	}
	if !sawCall {
		t.Error("no tool.call event persisted")
	}
	if toolResult.Content != "echo: ping" || toolResult.IsError {
		t.Errorf("tool result = %+v", toolResult)
	}
	if !strings.HasPrefix(toolResult.ToolCallID, "toolu_") {
		t.Errorf("tool call id %q not normalized", toolResult.ToolCallID)
	}

	// Two full turns in the chain.
	starts := 0
	for _, typ := range f.typesInChain(t) {
		if typ == events.TypeTurnStart {
			starts++
		}
	}
	if starts != 2 {
		t.Errorf("turn starts = %d, want 2", starts)
	}
}

func TestBlockedPromptPersistsNothing(t *testing.T) {
	prov := &scriptProvider{scripts: [][]provider.StreamEvent{{
		{Kind: provider.KindDone, StopReason: events.StopEndTurn},
	}}}
	f, r := newFixture(t, prov)

	f.hooks.Register(hooks.Registration{
		Name: "guard",
		Type: hooks.UserPromptSubmit,
		Handler: func(context.Context, *hooks.Context) (*hooks.Result, error) {
			return hooks.Block("off topic"), nil
		},
	})

	res, err := r.Run(context.Background(), Request{Prompt: "forbidden"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Blocked || res.BlockReason != "off topic" {
		t.Errorf("result = %+v", res)
	}
	if chain := f.chain(t); len(chain) != 0 {
		t.Errorf("chain has %d events, want 0", len(chain))
	}
}

func TestPromptModificationRewritesMessage(t *testing.T) {
	prov := &scriptProvider{scripts: [][]provider.StreamEvent{{
		{Kind: provider.KindTextDelta, Text: "ok"},
		{Kind: provider.KindDone, StopReason: events.StopEndTurn},
	}}}
	f, r := newFixture(t, prov)

	f.hooks.Register(hooks.Registration{
		Name: "rewriter",
		Type: hooks.UserPromptSubmit,
		Handler: func(context.Context, *hooks.Context) (*hooks.Result, error) {
			return hooks.Modify(map[string]any{"prompt": "rewritten"}), nil
		},
	})

	if _, err := r.Run(context.Background(), Request{Prompt: "original"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	var user events.MessageUserPayload
	for _, ev := range f.chain(t) {
		if ev.Type == events.TypeMessageUser {
			json.Unmarshal(ev.Payload, &user)
		}
	}
	if len(user.Content) != 1 || user.Content[0].Text != "rewritten" {
		t.Errorf("user content = %+v", user.Content)
	}
}

func TestPreToolUseBlockTerminatesRun(t *testing.T) {
	input := json.RawMessage(`{"text":"x"}`)
	prov := &scriptProvider{scripts: [][]provider.StreamEvent{
		{
			{Kind: provider.KindToolCallEnd, ToolCall: &provider.ToolCall{ID: "call_1", Name: "echo", Input: input}},
			{Kind: provider.KindDone, StopReason: events.StopToolUse},
		},
	}}
	f, r := newFixture(t, prov)

	f.hooks.Register(hooks.Registration{
		Name: "tool-guard",
		Type: hooks.PreToolUse,
		Handler: func(context.Context, *hooks.Context) (*hooks.Result, error) {
			return hooks.Block("not allowed"), nil
		},
	})

	res, err := r.Run(context.Background(), Request{Prompt: "try"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Blocked || res.BlockReason != "not allowed" {
		t.Fatalf("result = %+v, want blocked with reason", res)
	}
	if res.Turns != 1 {
		t.Errorf("turns = %d, want 1", res.Turns)
	}

	var toolResult events.ToolResultPayload
	toolCalls := 0
	for _, ev := range f.chain(t) {
		switch ev.Type {
		case events.TypeToolResult:
			json.Unmarshal(ev.Payload, &toolResult)
		case events.TypeToolCall:
			toolCalls++
		}
	}
	// The blocked call leaves an error result, but no tool.call record.
	if toolCalls != 0 {
		t.Errorf("tool.call events = %d, want 0", toolCalls)
	}
	if !toolResult.IsError || !strings.Contains(toolResult.Content, "not allowed") {
		t.Errorf("tool result = %+v", toolResult)
	}
	// The tool itself never ran.
	if execs := f.ephemerals(events.EphemeralToolExecStart); len(execs) != 0 {
		t.Errorf("tool executions = %d, want 0", len(execs))
	}
}

func TestInterruptPersistsPartialContent(t *testing.T) {
	prov := &hangingProvider{prefix: []provider.StreamEvent{
		{Kind: provider.KindTextDelta, Text: "partial "},
		{Kind: provider.KindTextDelta, Text: "answer"},
	}}
	f, r := newFixture(t, prov)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// Cancel once both deltas have been observed.
		for {
			if len(f.ephemerals(events.EphemeralTextDelta)) >= 2 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, err := r.Run(ctx, Request{Prompt: "long task"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Interrupted || res.StopReason != events.StopInterrupted {
		t.Errorf("result = %+v", res)
	}

	var assistant events.MessageAssistantPayload
	sawNotification := false
	for _, ev := range f.chain(t) {
		switch ev.Type {
		case events.TypeMessageAssistant:
			json.Unmarshal(ev.Payload, &assistant)
		case events.TypeNotificationInterrupt:
			sawNotification = true
		}
	}
	if assistant.StopReason != events.StopInterrupted {
		t.Errorf("assistant stop reason = %q", assistant.StopReason)
	}
	if len(assistant.Content) != 1 || assistant.Content[0].Text != "partial answer" {
		t.Errorf("assistant content = %+v", assistant.Content)
	}
	if !sawNotification {
		t.Error("no notification.interrupted in chain")
	}
	if f.state.Persister.Head() == "" {
		t.Error("chain head is empty after interrupt")
	}
}

func TestProviderErrorPersistsAgentError(t *testing.T) {
	prov := &scriptProvider{scripts: [][]provider.StreamEvent{{
		{Kind: provider.KindError, Err: &provider.Error{Provider: "script", Status: 500, Message: "upstream down"}},
	}}}
	f, r := newFixture(t, prov)

	if _, err := r.Run(context.Background(), Request{Prompt: "hi"}); err == nil {
		t.Fatal("expected run error")
	}

	var agentErr events.ErrorAgentPayload
	found := false
	for _, ev := range f.chain(t) {
		if ev.Type == events.TypeErrorAgent {
			json.Unmarshal(ev.Payload, &agentErr)
			found = true
		}
	}
	if !found {
		t.Fatal("no error.agent event persisted")
	}
	if !agentErr.Recoverable {
		t.Error("a 500 is transient and should be marked recoverable")
	}
}

func TestConcurrentRunRejected(t *testing.T) {
	prov := &hangingProvider{}
	f, r := newFixture(t, prov)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, Request{Prompt: "first"})
	}()

	// Wait for the first run to take the processing slot.
	for !f.state.Processing() {
		time.Sleep(time.Millisecond)
	}
	if _, err := r.Run(context.Background(), Request{Prompt: "second"}); err != ErrBusy {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	cancel()
	<-done
}
