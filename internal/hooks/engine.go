package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/internal/events"
)

// DefaultTimeout applies to hooks registered without one.
const DefaultTimeout = 30 * time.Second

// Emitter receives the engine's ephemeral lifecycle events. Nil disables
// emission.
type Emitter func(ev *events.Ephemeral)

// Engine holds hook registrations and executes them per lifecycle point.
type Engine struct {
	logger         *slog.Logger
	emit           Emitter
	defaultTimeout time.Duration

	mu      sync.Mutex
	byType  map[Type][]*Registration
	names   map[string]bool
	nextSeq int

	bg     sync.Mutex
	bgCond *sync.Cond
	bgN    int
}

// NewEngine creates an engine. emit may be nil.
func NewEngine(logger *slog.Logger, emit Emitter, defaultTimeout time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	e := &Engine{
		logger:         logger.With("component", "hooks"),
		emit:           emit,
		defaultTimeout: defaultTimeout,
		byType:         map[Type][]*Registration{},
		names:          map[string]bool{},
	}
	e.bgCond = sync.NewCond(&e.bg)
	return e
}

// Register adds a hook. Hooks on gating types are coerced to blocking mode
// regardless of the requested mode.
func (e *Engine) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("hooks: registration requires a name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("hooks: %s has no handler", reg.Name)
	}
	if reg.Mode == "" {
		reg.Mode = ModeBlocking
	}
	if gating(reg.Type) {
		reg.Mode = ModeBlocking
	}
	if reg.Timeout <= 0 {
		reg.Timeout = e.defaultTimeout
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.names[reg.Name] {
		return fmt.Errorf("hooks: %s already registered", reg.Name)
	}
	reg.seq = e.nextSeq
	e.nextSeq++
	e.names[reg.Name] = true
	e.byType[reg.Type] = append(e.byType[reg.Type], &reg)
	return nil
}

// Unregister removes a hook by name.
func (e *Engine) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.names[name] {
		return
	}
	delete(e.names, name)
	for typ, regs := range e.byType {
		for i, reg := range regs {
			if reg.Name == name {
				e.byType[typ] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
	}
}

// selectHooks returns the hooks of a type sorted by priority descending,
// with registration order breaking ties.
func (e *Engine) selectHooks(t Type) []*Registration {
	e.mu.Lock()
	regs := make([]*Registration, len(e.byType[t]))
	copy(regs, e.byType[t])
	e.mu.Unlock()

	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority > regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})
	return regs
}

// Execute runs the blocking hooks of the type in order, then dispatches the
// background hooks. It returns once the blocking set has finished; the
// background set continues on its own.
func (e *Engine) Execute(ctx context.Context, t Type, hctx *Context) (*Outcome, error) {
	return e.execute(ctx, t, hctx, false)
}

// ExecuteWithEvents is Execute plus hook_triggered and hook_completed
// ephemeral events for each blocking hook.
func (e *Engine) ExecuteWithEvents(ctx context.Context, t Type, hctx *Context) (*Outcome, error) {
	return e.execute(ctx, t, hctx, true)
}

func (e *Engine) execute(ctx context.Context, t Type, hctx *Context, withEvents bool) (*Outcome, error) {
	regs := e.selectHooks(t)
	outcome := &Outcome{Action: ActionContinue, Modifications: map[string]any{}}
	if len(regs) == 0 {
		return outcome, nil
	}

	var blocking, background []*Registration
	for _, reg := range regs {
		if reg.Mode == ModeBackground {
			background = append(background, reg)
		} else {
			blocking = append(blocking, reg)
		}
	}

	for _, reg := range blocking {
		if reg.Filter != nil && !reg.Filter(hctx) {
			continue
		}
		if withEvents {
			e.emitEphemeral(events.EphemeralHookTriggered, hctx, reg, "", "")
		}

		res := e.runHook(ctx, reg, hctx, t)

		if withEvents {
			e.emitEphemeral(events.EphemeralHookCompleted, hctx, reg, string(res.Action), res.Reason)
		}

		if res.Message != "" {
			outcome.Messages = append(outcome.Messages, res.Message)
		}
		for k, v := range res.Modifications {
			outcome.Modifications[k] = v
		}
		switch res.Action {
		case ActionModify:
			if outcome.Action == ActionContinue {
				outcome.Action = ActionModify
			}
		case ActionBlock:
			outcome.Action = ActionBlock
			outcome.Reason = res.Reason
			outcome.BlockedBy = reg.Name
			// Background hooks are not started once the step is
			// blocked; there is no downstream step for them.
			return outcome, nil
		}
	}

	if len(background) > 0 {
		e.dispatchBackground(hctx, background)
	}
	return outcome, nil
}

// runHook applies the per-hook timeout and the error policy: gating types
// that fail or time out block with a synthesized reason, everything else
// fails open.
func (e *Engine) runHook(ctx context.Context, reg *Registration, hctx *Context, t Type) *Result {
	hookCtx, cancel := context.WithTimeout(ctx, reg.Timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := reg.Handler(hookCtx, hctx)
		ch <- outcome{res, err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			if gating(t) {
				return Block(fmt.Sprintf("hook %s failed: %v", reg.Name, out.err))
			}
			e.logger.Warn("hook failed, continuing", "hook", reg.Name, "error", out.err)
			return Continue()
		}
		if out.res == nil {
			return Continue()
		}
		return out.res
	case <-hookCtx.Done():
		if gating(t) {
			return Block(fmt.Sprintf("hook %s timed out after %s", reg.Name, reg.Timeout))
		}
		e.logger.Warn("hook timed out, continuing", "hook", reg.Name, "timeout", reg.Timeout)
		return Continue()
	}
}

// dispatchBackground starts the background set concurrently under one shared
// execution id: one started event for the set, then one completed event per
// hook as it finishes, all carrying the same execution id.
func (e *Engine) dispatchBackground(hctx *Context, regs []*Registration) {
	executionID := uuid.NewString()
	names := make([]string, len(regs))
	for i, reg := range regs {
		names[i] = reg.Name
	}

	ev := events.NewEphemeral(events.EphemeralHookBackgroundStarted, hctx.SessionID)
	ev.ExecutionID = executionID
	ev.Detail = map[string]any{"hooks": names}
	e.send(&ev)

	e.bg.Lock()
	e.bgN++
	e.bg.Unlock()

	go func() {
		var wg sync.WaitGroup
		for _, reg := range regs {
			wg.Add(1)
			go func(reg *Registration) {
				defer wg.Done()
				result := e.runBackgroundHook(reg, hctx)

				done := events.NewEphemeral(events.EphemeralHookBackgroundCompleted, hctx.SessionID)
				done.ExecutionID = executionID
				done.HookType = string(reg.Type)
				done.HookName = reg.Name
				done.Detail = map[string]any{
					"result":      result.Result,
					"duration_ms": result.Duration.Milliseconds(),
				}
				if result.Error != "" {
					done.Detail["error"] = result.Error
				}
				e.send(&done)
			}(reg)
		}
		wg.Wait()

		e.bg.Lock()
		e.bgN--
		e.bgCond.Broadcast()
		e.bg.Unlock()
	}()
}

// runBackgroundHook is fail-open: errors and timeouts become result shapes,
// never panics or propagation.
func (e *Engine) runBackgroundHook(reg *Registration, hctx *Context) BackgroundResult {
	start := time.Now()
	out := BackgroundResult{Name: reg.Name, Result: "ok"}

	if reg.Filter != nil && !reg.Filter(hctx) {
		out.Duration = time.Since(start)
		return out
	}

	ctx, cancel := context.WithTimeout(context.Background(), reg.Timeout)
	defer cancel()

	type res struct {
		err error
	}
	ch := make(chan res, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- res{fmt.Errorf("panic: %v", r)}
			}
		}()
		_, err := reg.Handler(ctx, hctx)
		ch <- res{err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			out.Result = "error"
			out.Error = r.err.Error()
			e.logger.Warn("background hook failed", "hook", reg.Name, "error", r.err)
		}
	case <-ctx.Done():
		out.Result = "timeout"
		out.Error = fmt.Sprintf("timed out after %s", reg.Timeout)
		e.logger.Warn("background hook timed out", "hook", reg.Name, "timeout", reg.Timeout)
	}
	out.Duration = time.Since(start)
	return out
}

// PendingBackgroundCount returns the number of in-flight background
// dispatches.
func (e *Engine) PendingBackgroundCount() int {
	e.bg.Lock()
	defer e.bg.Unlock()
	return e.bgN
}

// WaitForBackground blocks until all background hooks finish or the timeout
// elapses. Returns true if the count reached zero.
func (e *Engine) WaitForBackground(timeout time.Duration) bool {
	expired := false
	timer := time.AfterFunc(timeout, func() {
		e.bg.Lock()
		expired = true
		e.bgCond.Broadcast()
		e.bg.Unlock()
	})
	defer timer.Stop()

	e.bg.Lock()
	defer e.bg.Unlock()
	for e.bgN > 0 && !expired {
		e.bgCond.Wait()
	}
	return e.bgN == 0
}

func (e *Engine) emitEphemeral(t events.EphemeralType, hctx *Context, reg *Registration, result, reason string) {
	ev := events.NewEphemeral(t, hctx.SessionID)
	ev.HookType = string(reg.Type)
	ev.HookName = reg.Name
	if result != "" {
		ev.Detail = map[string]any{"result": result}
		if reason != "" {
			ev.Detail["reason"] = reason
		}
	}
	e.send(&ev)
}

func (e *Engine) send(ev *events.Ephemeral) {
	if e.emit != nil {
		e.emit(ev)
	}
}
