// Package runner drives one agent run: it persists the user message, loops
// provider turns until the model stops asking for tools, executes tools under
// hook gating, and settles every termination path into durable events.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
	"github.com/chroniclehq/chronicle/internal/hooks"
	"github.com/chroniclehq/chronicle/internal/persist"
	"github.com/chroniclehq/chronicle/internal/provider"
	"github.com/chroniclehq/chronicle/internal/session"
	"github.com/chroniclehq/chronicle/internal/tools"
)

var (
	// ErrBusy is returned when a run is submitted while another run on the
	// same session is in flight.
	ErrBusy = errors.New("runner: session is already processing")
)

// defaultMaxTurns bounds a single run. A model that keeps requesting tools
// past this is cut off with an error event.
const defaultMaxTurns = 50

// Config carries the per-runner settings.
type Config struct {
	Model          string
	SystemPrompt   string
	MaxTokens      int
	MaxTurns       int
	Thinking       bool
	ThinkingBudget int
}

// Request is one user submission.
type Request struct {
	Prompt string

	// Model overrides the configured model for this and later runs.
	Model string

	// ReasoningLevel, when set, records a level change before the run.
	ReasoningLevel string
}

// Result reports how a run ended.
type Result struct {
	StopReason  string
	Turns       int
	Blocked     bool
	BlockReason string
	Interrupted bool
}

// Runner executes runs for one session. It is bound to the session's State
// and shares its Persister; at most one run is in flight at a time.
type Runner struct {
	state     *session.State
	store     eventstore.Store
	providers *provider.Dispatcher
	hooks     *hooks.Engine
	registry  *tools.Registry
	emit      func(*events.Ephemeral)
	cfg       Config
	logger    *slog.Logger
}

// New creates a runner. emit may be nil.
func New(state *session.State, store eventstore.Store, providers *provider.Dispatcher, hookEngine *hooks.Engine, registry *tools.Registry, emit func(*events.Ephemeral), cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if emit == nil {
		emit = func(*events.Ephemeral) {}
	}
	return &Runner{
		state:     state,
		store:     store,
		providers: providers,
		hooks:     hookEngine,
		registry:  registry,
		emit:      emit,
		cfg:       cfg,
		logger:    logger.With("component", "runner", "session_id", state.Session.ID),
	}
}

// Run executes one full agent run. Cancellation of ctx is the interrupt
// signal: partial content is persisted and the run returns with
// Interrupted set.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if !r.state.TryBeginProcessing() {
		return nil, ErrBusy
	}
	defer r.state.EndProcessing()

	// Preflight: the chain must be healthy before new events pile onto it.
	if err := r.state.Persister.Flush(ctx); err != nil {
		return nil, err
	}
	if err := r.state.Persister.Err(); err != nil {
		r.emitPersistenceError(err)
		return nil, err
	}

	prompt, blocked, reason, err := r.submitPrompt(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	if blocked {
		return &Result{Blocked: true, BlockReason: reason}, nil
	}

	if err := r.recordConfigChanges(ctx, req); err != nil {
		return nil, err
	}
	if err := r.persistUserMessage(ctx, prompt); err != nil {
		r.emitPersistenceError(err)
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = r.cfg.Model
	}
	res, err := r.turnLoop(ctx, model)
	if err != nil {
		return res, err
	}

	r.runStopHook(res)
	return res, nil
}

// submitPrompt runs the UserPromptSubmit gate. A modify outcome may rewrite
// the prompt; a block outcome stops the run before anything is persisted.
func (r *Runner) submitPrompt(ctx context.Context, prompt string) (string, bool, string, error) {
	outcome, err := r.hooks.ExecuteWithEvents(ctx, hooks.UserPromptSubmit, &hooks.Context{
		SessionID:   r.state.Session.ID,
		WorkspaceID: r.state.Session.WorkspaceID,
		Prompt:      prompt,
	})
	if err != nil {
		return "", false, "", err
	}
	if outcome.Action == hooks.ActionBlock {
		r.logger.Info("prompt blocked", "hook", outcome.BlockedBy, "reason", outcome.Reason)
		return "", true, outcome.Reason, nil
	}
	if replacement, ok := outcome.Modifications["prompt"].(string); ok && replacement != "" {
		prompt = replacement
	}
	return prompt, false, "", nil
}

func (r *Runner) recordConfigChanges(ctx context.Context, req Request) error {
	if req.ReasoningLevel != "" && req.ReasoningLevel != r.state.ReasoningLevel() {
		prev := r.state.SetReasoningLevel(req.ReasoningLevel)
		_, err := r.state.Persister.AppendAsync(ctx, events.TypeConfigReasoningLevel,
			events.MarshalPayload(events.ReasoningLevelPayload{PreviousLevel: prev, NewLevel: req.ReasoningLevel}))
		if err != nil {
			return err
		}
	}
	if req.Model != "" && req.Model != r.state.Session.LatestModel {
		prev := r.state.Session.LatestModel
		r.state.Session.LatestModel = req.Model
		_, err := r.state.Persister.AppendAsync(ctx, events.TypeConfigModel,
			events.MarshalPayload(events.ModelChangePayload{PreviousModel: prev, NewModel: req.Model}))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) persistUserMessage(ctx context.Context, prompt string) error {
	skills := make([]string, 0)
	for _, s := range r.state.Skills.Active() {
		skills = append(skills, s.Name)
	}
	payload := events.MessageUserPayload{
		Content: []events.ContentBlock{{Type: events.BlockText, Text: prompt}},
		Skills:  skills,
	}
	ev, err := r.state.Persister.AppendAsync(ctx, events.TypeMessageUser, events.MarshalPayload(payload))
	if err != nil {
		return err
	}
	r.state.RecordUserEvent(ev.ID)
	return nil
}

// turnLoop runs provider turns until the model ends its turn, errors, or the
// run is interrupted.
func (r *Runner) turnLoop(ctx context.Context, model string) (*Result, error) {
	turnsRun := 0
	for {
		if turnsRun >= r.cfg.MaxTurns {
			err := fmt.Errorf("runner: run exceeded %d turns", r.cfg.MaxTurns)
			r.persistAgentError(err, "max_turns", false)
			return &Result{StopReason: events.StopError, Turns: turnsRun}, err
		}

		outcome, err := r.runTurn(ctx, model)
		turnsRun++
		if err != nil {
			return &Result{StopReason: events.StopError, Turns: turnsRun}, err
		}
		if outcome.interrupted {
			return &Result{StopReason: events.StopInterrupted, Turns: turnsRun, Interrupted: true}, nil
		}
		if outcome.blocked {
			done := events.NewEphemeral(events.EphemeralAgentComplete, r.state.Session.ID)
			done.Success = false
			done.Error = "blocked by hook: " + outcome.blockReason
			r.emit(&done)
			return &Result{StopReason: outcome.stopReason, Turns: turnsRun, Blocked: true, BlockReason: outcome.blockReason}, nil
		}
		if outcome.stopReason != events.StopToolUse {
			done := events.NewEphemeral(events.EphemeralAgentComplete, r.state.Session.ID)
			done.Success = true
			r.emit(&done)
			return &Result{StopReason: outcome.stopReason, Turns: turnsRun}, nil
		}
		// tool_use: the batch was executed inside runTurn; loop for the
		// follow-up turn against the extended chain.
	}
}

type turnOutcome struct {
	stopReason  string
	interrupted bool

	// blockReason is set when a PreToolUse hook blocked a call this turn;
	// the run terminates instead of looping for a follow-up turn.
	blockReason string
	blocked     bool
}

// pendingCall is one tool request collected from the stream, in arrival
// order.
type pendingCall struct {
	id    string // normalized
	name  string
	input json.RawMessage
}

func (r *Runner) runTurn(ctx context.Context, model string) (*turnOutcome, error) {
	chain, err := r.currentChain(ctx)
	if err != nil {
		return nil, err
	}
	turnNo := nextTurnNumber(chain)

	if _, err := r.state.Persister.AppendAsync(ctx, events.TypeTurnStart,
		events.MarshalPayload(events.TurnStartPayload{Turn: turnNo, Model: model})); err != nil {
		r.emitPersistenceError(err)
		return nil, err
	}
	if err := r.state.Turns.StartTurn(turnNo, model); err != nil {
		return nil, err
	}

	prov, err := r.providers.ForModel(model)
	if err != nil {
		r.state.Turns.EndTurn(events.StopError)
		r.persistAgentError(err, "no_provider", false)
		return nil, err
	}

	preq := &provider.Request{
		Model:          model,
		System:         buildSystem(r.cfg.SystemPrompt, r.state),
		Messages:       projectMessages(chain),
		Tools:          r.registry.AsProviderTools(),
		MaxTokens:      r.cfg.MaxTokens,
		Thinking:       r.cfg.Thinking,
		ThinkingBudget: r.cfg.ThinkingBudget,
	}

	stream, err := prov.Stream(ctx, preq)
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupt(turnNo, nil)
		}
		r.state.Turns.EndTurn(events.StopError)
		r.persistAgentError(err, "provider", provider.Transient(err))
		return nil, err
	}

	var (
		calls      []pendingCall
		stopReason string
		streamErr  error
	)
	for ev := range stream {
		switch ev.Kind {
		case provider.KindTextDelta:
			r.state.Turns.AddTextDelta(ev.Text)
			r.emitDelta(events.EphemeralTextDelta, turnNo, ev.Text)
		case provider.KindThinkingDelta:
			r.state.Turns.AddThinkingDelta(ev.Text)
			r.emitDelta(events.EphemeralThinkingDelta, turnNo, ev.Text)
		case provider.KindThinkingEnd:
			if ev.Signature != "" {
				r.state.Turns.SetThinkingSignature(ev.Signature)
			}
			r.emitDelta(events.EphemeralThinkingEnd, turnNo, "")
		case provider.KindToolCallStart:
			e := events.NewEphemeral(events.EphemeralToolCallStart, r.state.Session.ID)
			e.Turn = turnNo
			e.ToolCallID = ev.ToolCall.ID
			e.ToolName = ev.ToolCall.Name
			r.emit(&e)
		case provider.KindToolCallDelta:
			e := events.NewEphemeral(events.EphemeralToolCallDelta, r.state.Session.ID)
			e.Turn = turnNo
			e.ToolCallID = ev.ToolCallID
			e.Text = ev.ArgsChunk
			r.emit(&e)
		case provider.KindToolCallEnd:
			id, err := r.state.Turns.StartToolCall(ev.ToolCall.ID, ev.ToolCall.Name, ev.ToolCall.Input)
			if err != nil {
				r.logger.Warn("tool call outside turn", "tool", ev.ToolCall.Name, "error", err)
				continue
			}
			calls = append(calls, pendingCall{id: id, name: ev.ToolCall.Name, input: ev.ToolCall.Input})
			e := events.NewEphemeral(events.EphemeralToolCallEnd, r.state.Session.ID)
			e.Turn = turnNo
			e.ToolCallID = id
			e.ToolName = ev.ToolCall.Name
			e.ToolInput = ev.ToolCall.Input
			r.emit(&e)
		case provider.KindRetry:
			e := events.NewEphemeral(events.EphemeralRetry, r.state.Session.ID)
			e.Turn = turnNo
			e.Detail = map[string]any{
				"attempt":     ev.Attempt,
				"max_retries": ev.MaxRetries,
				"delay_ms":    ev.DelayMs,
			}
			if ev.Err != nil {
				e.Error = ev.Err.Error()
			}
			r.emit(&e)
		case provider.KindError:
			streamErr = ev.Err
		case provider.KindDone:
			stopReason = ev.StopReason
			if ev.Usage != nil {
				r.state.Turns.SetResponseTokenUsage(*ev.Usage)
			}
		}
	}

	if ctx.Err() != nil {
		return r.interrupt(turnNo, calls)
	}
	if streamErr != nil {
		r.state.Turns.EndTurn(events.StopError)
		r.persistAgentError(streamErr, "provider", provider.Transient(streamErr))
		return nil, streamErr
	}
	if stopReason == "" {
		stopReason = events.StopEndTurn
	}

	// Tool execution happens between the stream ending and the turn being
	// consolidated, so the results land inside this turn's record.
	var executed []executedCall
	if stopReason == events.StopToolUse {
		executed, err = r.executeTools(ctx, turnNo, calls)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupt(turnNo, calls)
			}
			return nil, err
		}
	}

	if err := r.consolidate(ctx, turnNo, stopReason, executed); err != nil {
		r.emitPersistenceError(err)
		return nil, err
	}

	e := events.NewEphemeral(events.EphemeralTurnComplete, r.state.Session.ID)
	e.Turn = turnNo
	r.emit(&e)

	outcome := &turnOutcome{stopReason: stopReason}
	for _, ex := range executed {
		if ex.blocked {
			outcome.blocked = true
			outcome.blockReason = ex.blockReason
			break
		}
	}
	return outcome, nil
}

type executedCall struct {
	call   pendingCall
	result tools.Result

	// blocked calls keep their error result in the chain but never get a
	// tool.call event.
	blocked     bool
	blockReason string
}

// executeTools runs the turn's tool batch sequentially, each call gated by
// PreToolUse and observed by PostToolUse.
func (r *Runner) executeTools(ctx context.Context, turnNo int, calls []pendingCall) ([]executedCall, error) {
	out := make([]executedCall, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		res, blockReason := r.executeOne(ctx, turnNo, call)
		r.state.Turns.EndToolCall(call.id, res.Content, res.IsError)
		out = append(out, executedCall{
			call:        call,
			result:      res,
			blocked:     blockReason != "",
			blockReason: blockReason,
		})
	}
	return out, nil
}

// executeOne gates and runs one call. A non-empty second return is the
// PreToolUse block reason; the call was not executed.
func (r *Runner) executeOne(ctx context.Context, turnNo int, call pendingCall) (tools.Result, string) {
	hctx := &hooks.Context{
		SessionID:   r.state.Session.ID,
		WorkspaceID: r.state.Session.WorkspaceID,
		Turn:        turnNo,
		ToolName:    call.name,
		ToolInput:   call.input,
	}
	outcome, err := r.hooks.ExecuteWithEvents(ctx, hooks.PreToolUse, hctx)
	if err != nil {
		return tools.Result{Content: fmt.Sprintf("hook failure: %v", err), IsError: true}, err.Error()
	}
	if outcome.Action == hooks.ActionBlock {
		return tools.Result{Content: "blocked by hook: " + outcome.Reason, IsError: true}, outcome.Reason
	}
	input := call.input
	if mod, ok := outcome.Modifications["tool_input"].(string); ok && mod != "" {
		input = json.RawMessage(mod)
	}

	start := events.NewEphemeral(events.EphemeralToolExecStart, r.state.Session.ID)
	start.Turn = turnNo
	start.ToolCallID = call.id
	start.ToolName = call.name
	start.ToolInput = input
	r.emit(&start)

	var res tools.Result
	tool, ok := r.registry.Get(call.name)
	if !ok {
		res = tools.Result{Content: fmt.Sprintf("unknown tool: %s", call.name), IsError: true}
	} else {
		res = *tools.ExecuteValidated(ctx, tool, input)
	}

	end := events.NewEphemeral(events.EphemeralToolExecEnd, r.state.Session.ID)
	end.Turn = turnNo
	end.ToolCallID = call.id
	end.ToolName = call.name
	end.Success = !res.IsError
	r.emit(&end)

	hctx.ToolResult = res.Content
	r.hooks.ExecuteWithEvents(ctx, hooks.PostToolUse, hctx)
	return res, ""
}

// consolidate persists the turn's durable record as one contiguous batch:
// the assistant message, the tool call/result pairs, and the turn end with
// its token record.
func (r *Runner) consolidate(ctx context.Context, turnNo int, stopReason string, executed []executedCall) error {
	result, err := r.state.Turns.EndTurn(stopReason)
	if err != nil {
		return err
	}

	reqs := []persist.Request{{
		Type:    events.TypeMessageAssistant,
		Payload: events.MarshalPayload(result.Assistant),
	}}
	for _, ex := range executed {
		// A blocked call never happened; only its error result is recorded
		// so replay keeps the tool_use block paired.
		if !ex.blocked {
			reqs = append(reqs, persist.Request{
				Type: events.TypeToolCall,
				Payload: events.MarshalPayload(events.ToolCallPayload{
					Turn:       turnNo,
					ToolCallID: ex.call.id,
					Name:       ex.call.name,
					Input:      ex.call.input,
				}),
			})
		}
		reqs = append(reqs, persist.Request{
			Type: events.TypeToolResult,
			Payload: events.MarshalPayload(events.ToolResultPayload{
				Turn:       turnNo,
				ToolCallID: ex.call.id,
				Content:    ex.result.Content,
				IsError:    ex.result.IsError,
			}),
		})
	}
	reqs = append(reqs, persist.Request{
		Type:    events.TypeTurnEnd,
		Payload: events.MarshalPayload(events.TurnEndPayload{Turn: turnNo, TokenRecord: tokenRecord(result.Assistant.Usage)}),
	})

	_, err = r.state.Persister.AppendMultiple(ctx, reqs)
	return err
}

// tokenRecord derives context occupancy from the response usage. All input
// classes count toward the window.
func tokenRecord(usage *events.TokenUsage) *events.TokenRecord {
	if usage == nil {
		return nil
	}
	return &events.TokenRecord{
		Usage: *usage,
		Computed: events.ComputedTokens{
			ContextWindowTokens: usage.InputTokens +
				usage.CacheReadInputTokens +
				usage.CacheCreationInputTokens +
				usage.OutputTokens,
		},
	}
}

// interrupt settles an aborted turn: partial assistant content is persisted
// with the interrupted stop reason, finished tool results keep their output,
// unfinished calls get interrupted results so no tool_use is left dangling.
func (r *Runner) interrupt(turnNo int, calls []pendingCall) (*turnOutcome, error) {
	blocks, finished := r.state.Turns.BuildInterruptedContent()
	r.state.Turns.EndTurn(events.StopInterrupted)
	r.state.MarkInterrupted()

	finishedIDs := map[string]bool{}
	for _, res := range finished {
		finishedIDs[res.ToolCallID] = true
	}

	reqs := []persist.Request{{
		Type: events.TypeMessageAssistant,
		Payload: events.MarshalPayload(events.MessageAssistantPayload{
			Turn:       turnNo,
			Content:    blocks,
			StopReason: events.StopInterrupted,
		}),
	}}
	for _, res := range finished {
		reqs = append(reqs, persist.Request{
			Type:    events.TypeToolResult,
			Payload: events.MarshalPayload(res),
		})
	}
	for _, call := range calls {
		if finishedIDs[call.id] {
			continue
		}
		reqs = append(reqs, persist.Request{
			Type: events.TypeToolResult,
			Payload: events.MarshalPayload(events.ToolResultPayload{
				Turn:        turnNo,
				ToolCallID:  call.id,
				Interrupted: true,
			}),
		})
	}
	reqs = append(reqs, persist.Request{
		Type:    events.TypeNotificationInterrupt,
		Payload: events.MarshalPayload(events.InterruptedPayload{Turn: turnNo, At: time.Now()}),
	})

	// The run context is already cancelled; the interrupt record must land
	// regardless.
	if _, err := r.state.Persister.AppendMultiple(context.Background(), reqs); err != nil {
		r.emitPersistenceError(err)
		return nil, err
	}
	return &turnOutcome{interrupted: true}, nil
}

// persistAgentError records a terminal run failure. If the chain itself is
// broken the failure is surfaced as an ephemeral instead.
func (r *Runner) persistAgentError(cause error, code string, recoverable bool) {
	payload := events.MarshalPayload(events.ErrorAgentPayload{
		Message:     cause.Error(),
		Code:        code,
		Recoverable: recoverable,
	})
	if _, err := r.state.Persister.AppendAsync(context.Background(), events.TypeErrorAgent, payload); err != nil {
		r.emitPersistenceError(err)
	}

	e := events.NewEphemeral(events.EphemeralAgentComplete, r.state.Session.ID)
	e.Success = false
	e.Error = cause.Error()
	r.emit(&e)
}

func (r *Runner) emitPersistenceError(err error) {
	r.logger.Error("persistence failure", "error", err)
	e := events.NewEphemeral(events.EphemeralErrorPersistence, r.state.Session.ID)
	e.Error = err.Error()
	r.emit(&e)
}

func (r *Runner) emitDelta(t events.EphemeralType, turnNo int, text string) {
	e := events.NewEphemeral(t, r.state.Session.ID)
	e.Turn = turnNo
	e.Text = text
	r.emit(&e)
}

func (r *Runner) runStopHook(res *Result) {
	r.hooks.Execute(context.Background(), hooks.Stop, &hooks.Context{
		SessionID:   r.state.Session.ID,
		WorkspaceID: r.state.Session.WorkspaceID,
		Detail:      map[string]any{"stop_reason": res.StopReason, "turns": res.Turns},
	})
}

func (r *Runner) currentChain(ctx context.Context) ([]*events.Event, error) {
	head := r.state.Persister.Head()
	if head == "" {
		return nil, nil
	}
	return r.store.GetAncestors(ctx, head)
}
