// Package orchestrator owns the set of active sessions. It enforces single
// ownership per session id, fans ephemeral events out to subscribers, spawns
// and tracks subagents, and settles sessions at their end.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
	"github.com/chroniclehq/chronicle/internal/hooks"
	"github.com/chroniclehq/chronicle/internal/ledger"
	"github.com/chroniclehq/chronicle/internal/observability"
	"github.com/chroniclehq/chronicle/internal/persist"
	"github.com/chroniclehq/chronicle/internal/provider"
	"github.com/chroniclehq/chronicle/internal/runner"
	"github.com/chroniclehq/chronicle/internal/session"
	"github.com/chroniclehq/chronicle/internal/subagent"
	"github.com/chroniclehq/chronicle/internal/tools"
	"github.com/chroniclehq/chronicle/internal/worktree"
)

var (
	// ErrNotActive is returned for operations on sessions not held in
	// memory.
	ErrNotActive = errors.New("orchestrator: session not active")

	// ErrEnded is returned when resuming a session that was ended.
	ErrEnded = errors.New("orchestrator: session has ended")
)

// subscriberBuffer is each subscriber's channel capacity. A subscriber that
// falls this far behind is dropped rather than allowed to stall the stream.
const subscriberBuffer = 64

// Options wires the orchestrator's collaborators. Worktrees, Metrics,
// Ledger, and Mirror are optional.
type Options struct {
	Store     eventstore.Store
	Providers *provider.Dispatcher
	Tools     *tools.Registry
	Worktrees *worktree.Coordinator
	Metrics   *observability.Metrics
	Ledger    *ledger.Writer
	Mirror    *eventstore.Mirror

	RunnerConfig runner.Config
	Workspace    string

	// HookTimeout is the per-hook default; DrainTimeout bounds the wait
	// for background hooks at session end.
	HookTimeout  time.Duration
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// ActiveSession is one session held in memory. Exactly one ActiveSession
// exists per session id at any time.
type ActiveSession struct {
	State  *session.State
	Runner *runner.Runner

	// forwardTo mirrors this session's ephemerals to a parent session's
	// subscribers; set for subagents.
	forwardTo string

	// ending guards against concurrent EndSession calls. Guarded by the
	// orchestrator mutex.
	ending bool

	subMu   sync.Mutex
	subs    map[int]chan *events.Ephemeral
	nextSub int
}

// ID returns the session id.
func (a *ActiveSession) ID() string { return a.State.Session.ID }

// Orchestrator is the session registry and event router.
type Orchestrator struct {
	opts   Options
	hooks  *hooks.Engine
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*ActiveSession
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		opts:   opts,
		logger: opts.Logger.With("component", "orchestrator"),
		active: map[string]*ActiveSession{},
	}
	o.hooks = hooks.NewEngine(opts.Logger, o.broadcast, opts.HookTimeout)
	return o
}

// SetWorktrees attaches the coordinator. Split from New because the
// coordinator's appender is the orchestrator itself.
func (o *Orchestrator) SetWorktrees(c *worktree.Coordinator) {
	o.opts.Worktrees = c
}

// RegisterHook adds a lifecycle hook shared by all sessions.
func (o *Orchestrator) RegisterHook(reg hooks.Registration) error {
	return o.hooks.Register(reg)
}

// Hooks exposes the engine for callers that manage registrations directly.
func (o *Orchestrator) Hooks() *hooks.Engine { return o.hooks }

// CreateOptions control session creation.
type CreateOptions struct {
	WorkingDirectory string

	// Parent marks the session as a subagent of another active session:
	// its worktree forks from the parent and its events mirror to the
	// parent's subscribers.
	Parent string
}

// CreateSession creates, persists, and activates a new session.
func (o *Orchestrator) CreateSession(ctx context.Context, opts CreateOptions) (*ActiveSession, error) {
	sess := &events.Session{
		ID:               uuid.NewString(),
		WorkspaceID:      o.opts.Workspace,
		WorkingDirectory: opts.WorkingDirectory,
		LatestModel:      o.opts.RunnerConfig.Model,
	}
	if err := o.opts.Store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	state := session.NewState(sess, persist.New(o.opts.Store, sess, o.opts.Logger))
	active := o.newActive(state, opts.Parent)
	// Registered before the worktree acquire so the coordinator's events
	// can reach the session chain through the appender.
	o.register(active)

	fail := func(err error) (*ActiveSession, error) {
		o.mu.Lock()
		delete(o.active, sess.ID)
		o.mu.Unlock()
		if o.opts.Metrics != nil {
			o.opts.Metrics.ActiveSessions.Dec()
		}
		state.Persister.Close()
		return nil, err
	}

	if _, err := state.Persister.AppendAsync(ctx, events.TypeSessionCreated, events.MarshalPayload(struct{}{})); err != nil {
		return fail(err)
	}

	if o.opts.Worktrees != nil && opts.WorkingDirectory != "" {
		lease, err := o.opts.Worktrees.Acquire(ctx, sess.ID, opts.WorkingDirectory, worktree.AcquireOptions{
			ParentSessionID: opts.Parent,
		})
		if err != nil {
			return fail(err)
		}
		if lease.Path != sess.WorkingDirectory {
			sess.WorkingDirectory = lease.Path
			o.opts.Store.UpdateSession(ctx, sess)
		}
	}

	o.hooks.Execute(ctx, hooks.SessionStart, &hooks.Context{
		SessionID:   sess.ID,
		WorkspaceID: sess.WorkspaceID,
	})
	o.logger.Info("session created", "session_id", sess.ID)
	return active, nil
}

// Resume loads a persisted session into memory. If the session is already
// active the existing instance is returned; two owners never coexist.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*ActiveSession, error) {
	o.mu.Lock()
	if active, ok := o.active[sessionID]; ok {
		o.mu.Unlock()
		return active, nil
	}
	o.mu.Unlock()

	sess, err := o.opts.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Ended() {
		return nil, ErrEnded
	}

	state, err := session.NewReconstructor(o.opts.Store, o.opts.Logger).Reconstruct(ctx, sess)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	// Lost the race: another caller resumed while we reconstructed.
	if active, ok := o.active[sessionID]; ok {
		o.mu.Unlock()
		state.Persister.Close()
		return active, nil
	}
	active := o.newActive(state, "")
	o.active[sessionID] = active
	o.mu.Unlock()

	if o.opts.Metrics != nil {
		o.opts.Metrics.ActiveSessions.Inc()
	}
	o.logger.Info("session resumed", "session_id", sessionID,
		"restored_context_tokens", state.RestoredContextTokens())
	return active, nil
}

// Get returns an active session.
func (o *Orchestrator) Get(sessionID string) (*ActiveSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.active[sessionID]
	return a, ok
}

// Submit runs one prompt against an active session.
func (o *Orchestrator) Submit(ctx context.Context, sessionID string, req runner.Request) (*runner.Result, error) {
	active, ok := o.Get(sessionID)
	if !ok {
		return nil, ErrNotActive
	}
	return active.Runner.Run(ctx, req)
}

// Subscribe attaches a subscriber to a session's ephemeral stream. The
// returned cancel must be called; a subscriber whose buffer fills is dropped
// by the router.
func (o *Orchestrator) Subscribe(sessionID string) (<-chan *events.Ephemeral, func(), error) {
	active, ok := o.Get(sessionID)
	if !ok {
		return nil, nil, ErrNotActive
	}

	ch := make(chan *events.Ephemeral, subscriberBuffer)
	active.subMu.Lock()
	id := active.nextSub
	active.nextSub++
	active.subs[id] = ch
	active.subMu.Unlock()

	cancel := func() {
		active.subMu.Lock()
		if _, ok := active.subs[id]; ok {
			delete(active.subs, id)
			close(ch)
		}
		active.subMu.Unlock()
	}
	return ch, cancel, nil
}

// SpawnSubagent creates a child session, runs the task on it asynchronously,
// and records the lifecycle in the parent chain. The child's ephemerals are
// forwarded to the parent's subscribers.
func (o *Orchestrator) SpawnSubagent(ctx context.Context, parentID, task string) (string, error) {
	parent, ok := o.Get(parentID)
	if !ok {
		return "", ErrNotActive
	}

	child, err := o.CreateSession(ctx, CreateOptions{
		WorkingDirectory: parent.State.Session.WorkingDirectory,
		Parent:           parentID,
	})
	if err != nil {
		return "", err
	}
	childID := child.ID()

	parent.State.Subagents.Register(childID)
	if _, err := parent.State.Persister.AppendAsync(ctx, events.TypeSubagentStarted,
		events.MarshalPayload(events.SubagentStartedPayload{SubagentSessionID: childID, Task: task})); err != nil {
		return "", err
	}

	go func() {
		res, runErr := child.Runner.Run(context.Background(), runner.Request{Prompt: task})

		completed := events.SubagentCompletedPayload{SubagentSessionID: childID}
		if runErr != nil {
			completed.Error = runErr.Error()
		} else {
			completed.Result = lastAssistantText(context.Background(), o.opts.Store, child.State)
			if res != nil && res.Blocked {
				completed.Result = "blocked: " + res.BlockReason
			}
		}

		// The durable record lands first; the tracker wakes waiters only
		// after the chain already shows the completion.
		if _, err := parent.State.Persister.AppendAsync(context.Background(), events.TypeSubagentCompleted,
			events.MarshalPayload(completed)); err != nil {
			o.logger.Warn("subagent completion append failed", "session_id", parentID, "error", err)
		}
		if runErr != nil {
			parent.State.Subagents.MarkFailed(childID, runErr)
		} else {
			parent.State.Subagents.MarkCompleted(childID, completed.Result)
		}
		if err := o.EndSession(context.Background(), childID); err != nil {
			o.logger.Warn("subagent session end failed", "session_id", childID, "error", err)
		}
	}()
	return childID, nil
}

// WaitForSubagents blocks until all given subagents of the parent finish.
func (o *Orchestrator) WaitForSubagents(ctx context.Context, parentID string, ids []string, timeout time.Duration) ([]subagentResult, error) {
	parent, ok := o.Get(parentID)
	if !ok {
		return nil, ErrNotActive
	}
	return parent.State.Subagents.WaitForAll(ctx, ids, timeout)
}

// EndSession settles and deactivates a session: handoff note, session.ended,
// the SessionEnd hooks with a bounded background drain, and the worktree
// release.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	active, ok := o.active[sessionID]
	if !ok || active.ending {
		o.mu.Unlock()
		return ErrNotActive
	}
	active.ending = true
	o.mu.Unlock()

	state := active.State
	sess := state.Session

	if err := state.Persister.Flush(ctx); err != nil {
		o.logger.Warn("flush at session end failed", "session_id", sessionID, "error", err)
	}

	o.writeHandoff(ctx, state)

	if o.opts.Worktrees != nil {
		if err := o.opts.Worktrees.Release(ctx, sessionID, worktree.ReleaseOptions{}); err != nil {
			o.logger.Warn("worktree release failed", "session_id", sessionID, "error", err)
		}
	}

	if _, err := state.Persister.AppendAsync(ctx, events.TypeSessionEnded, events.MarshalPayload(struct{}{})); err != nil {
		o.logger.Warn("session.ended append failed", "session_id", sessionID, "error", err)
	}

	o.hooks.Execute(ctx, hooks.SessionEnd, &hooks.Context{
		SessionID:   sessionID,
		WorkspaceID: sess.WorkspaceID,
	})
	if !o.hooks.WaitForBackground(o.opts.DrainTimeout) {
		o.logger.Warn("background hooks still pending at session end", "session_id", sessionID)
	}

	state.Persister.Close()

	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()

	now := time.Now()
	sess.EndedAt = &now
	if err := o.opts.Store.UpdateSession(ctx, sess); err != nil {
		o.logger.Warn("session end update failed", "session_id", sessionID, "error", err)
	}
	if o.opts.Mirror != nil {
		o.opts.Mirror.CloseSession(sessionID)
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.ActiveSessions.Dec()
	}
	o.closeSubscribers(active)
	o.logger.Info("session ended", "session_id", sessionID)
	return nil
}

// Detach flushes and deactivates a session without ending it. The session
// stays resumable; no handoff note, session.ended event, or hook fires.
func (o *Orchestrator) Detach(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	active, ok := o.active[sessionID]
	if !ok || active.ending {
		o.mu.Unlock()
		return ErrNotActive
	}
	active.ending = true
	o.mu.Unlock()

	err := active.State.Persister.Flush(ctx)
	active.State.Persister.Close()

	o.mu.Lock()
	delete(o.active, sessionID)
	o.mu.Unlock()

	if o.opts.Mirror != nil {
		o.opts.Mirror.CloseSession(sessionID)
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.ActiveSessions.Dec()
	}
	o.closeSubscribers(active)
	o.logger.Info("session detached", "session_id", sessionID)
	return err
}

// writeHandoff records the continuity note. A session with at most one user
// message carries no state worth handing off, so none is written.
func (o *Orchestrator) writeHandoff(ctx context.Context, state *session.State) {
	if o.opts.Ledger == nil || state.MessageCount() <= 1 {
		return
	}

	var skills []string
	for _, s := range state.Skills.Active() {
		skills = append(skills, s.Name)
	}
	var open []string
	for _, item := range state.Todos.Snapshot() {
		if item.Status != "done" {
			open = append(open, item.Text)
		}
	}
	stop := events.StopEndTurn
	if state.WasInterrupted() {
		stop = events.StopInterrupted
	}
	entry := ledger.HandoffEntry{
		StopReason:   stop,
		Messages:     state.MessageCount(),
		ActiveSkills: skills,
		OpenTodos:    open,
	}.Render()

	if err := o.opts.Ledger.Append(state.Session.ID, entry); err != nil {
		o.logger.Warn("ledger write failed", "session_id", state.Session.ID, "error", err)
		return
	}
	if _, err := state.Persister.AppendAsync(ctx, events.TypeMemoryLedger,
		events.MarshalPayload(events.LedgerPayload{Entry: entry})); err != nil {
		o.logger.Warn("ledger event append failed", "session_id", state.Session.ID, "error", err)
	}
}

// Shutdown ends every active session.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id, a := range o.active {
		if a.forwardTo != "" {
			continue // subagents are settled by their parent's goroutine
		}
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.EndSession(ctx, id); err != nil && !errors.Is(err, ErrNotActive) {
			o.logger.Warn("shutdown end failed", "session_id", id, "error", err)
		}
	}
}

func (o *Orchestrator) newActive(state *session.State, parent string) *ActiveSession {
	active := &ActiveSession{
		State:     state,
		forwardTo: parent,
		subs:      map[int]chan *events.Ephemeral{},
	}
	active.Runner = runner.New(state, o.opts.Store, o.opts.Providers, o.hooks,
		o.opts.Tools, o.broadcast, o.opts.RunnerConfig, o.opts.Logger)
	return active
}

func (o *Orchestrator) register(active *ActiveSession) {
	o.mu.Lock()
	o.active[active.ID()] = active
	o.mu.Unlock()
	if o.opts.Metrics != nil {
		o.opts.Metrics.ActiveSessions.Inc()
	}
}

// broadcast routes one ephemeral to the session's subscribers, to the parent
// session's subscribers for subagents, and to the metrics observer. Delivery
// never blocks; a subscriber with a full buffer is dropped.
func (o *Orchestrator) broadcast(ev *events.Ephemeral) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveEphemeral(ev)
	}

	active, ok := o.Get(ev.SessionID)
	if !ok {
		return
	}
	o.deliver(active, ev)
	if active.forwardTo != "" {
		if parent, ok := o.Get(active.forwardTo); ok {
			o.deliver(parent, ev)
		}
	}
}

func (o *Orchestrator) deliver(active *ActiveSession, ev *events.Ephemeral) {
	active.subMu.Lock()
	defer active.subMu.Unlock()
	for id, ch := range active.subs {
		select {
		case ch <- ev:
		default:
			o.logger.Warn("dropping slow subscriber", "session_id", active.ID(), "subscriber", id)
			delete(active.subs, id)
			close(ch)
		}
	}
}

func (o *Orchestrator) closeSubscribers(active *ActiveSession) {
	active.subMu.Lock()
	defer active.subMu.Unlock()
	for id, ch := range active.subs {
		delete(active.subs, id)
		close(ch)
	}
}

// lastAssistantText projects the chain and returns the final assistant text,
// used as a subagent's reported result.
func lastAssistantText(ctx context.Context, store eventstore.Store, state *session.State) string {
	head := state.Persister.Head()
	if head == "" {
		return ""
	}
	chain, err := store.GetAncestors(ctx, head)
	if err != nil {
		return ""
	}
	text := ""
	for _, ev := range chain {
		if ev.Type != events.TypeMessageAssistant {
			continue
		}
		var p events.MessageAssistantPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			continue
		}
		for _, b := range p.Content {
			if b.Type == events.BlockText && b.Text != "" {
				text = b.Text
			}
		}
	}
	return text
}

// Append implements worktree.Appender: coordinator events land in the owning
// session's chain.
func (o *Orchestrator) Append(ctx context.Context, sessionID string, typ events.Type, payload []byte) error {
	active, ok := o.Get(sessionID)
	if !ok {
		return ErrNotActive
	}
	_, err := active.State.Persister.AppendAsync(ctx, typ, payload)
	return err
}

// subagentResult re-exports the tracker result for the wait API.
type subagentResult = subagent.Result
