// Package subagent tracks child sessions spawned by a parent run and lets
// the parent wait for their completion. Subagents persist their own event
// chains; the parent observes terminal state through this tracker only.
package subagent

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when a wait's deadline elapses before the
	// required subagents reach a terminal state.
	ErrTimeout = errors.New("subagent: wait timed out")

	// ErrCancelled is returned when the parent run is aborted while a
	// wait is in flight.
	ErrCancelled = errors.New("subagent: wait cancelled")

	// ErrUnknown is returned for waits on unregistered session ids.
	ErrUnknown = errors.New("subagent: unknown subagent")
)

// Status is a subagent's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the terminal outcome of one subagent.
type Result struct {
	SessionID string
	Status    Status
	Output    string
	Error     string
}

// Terminal reports whether the status is completed or failed.
func (r Result) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Tracker maintains the sessionId to status table for one parent session.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]Result
	notify  chan struct{} // closed and replaced on every transition
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: map[string]Result{},
		notify:  make(chan struct{}),
	}
}

// Register creates a pending entry. Re-registering an id resets it.
func (t *Tracker) Register(sessionID string) {
	t.mu.Lock()
	t.entries[sessionID] = Result{SessionID: sessionID, Status: StatusPending}
	t.broadcast()
	t.mu.Unlock()
}

// MarkCompleted transitions the subagent to completed and wakes waiters.
func (t *Tracker) MarkCompleted(sessionID, output string) {
	t.transition(Result{SessionID: sessionID, Status: StatusCompleted, Output: output})
}

// MarkFailed transitions the subagent to failed and wakes waiters.
func (t *Tracker) MarkFailed(sessionID string, err error) {
	res := Result{SessionID: sessionID, Status: StatusFailed}
	if err != nil {
		res.Error = err.Error()
	}
	t.transition(res)
}

func (t *Tracker) transition(res Result) {
	t.mu.Lock()
	t.entries[res.SessionID] = res
	t.broadcast()
	t.mu.Unlock()
}

// broadcast wakes every waiter. Callers hold t.mu.
func (t *Tracker) broadcast() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// Get returns the current state of one subagent.
func (t *Tracker) Get(sessionID string) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.entries[sessionID]
	return res, ok
}

// Pending returns the ids still in pending state.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, res := range t.entries {
		if res.Status == StatusPending {
			out = append(out, id)
		}
	}
	return out
}

// Results returns a snapshot of all terminal results.
func (t *Tracker) Results() []Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Result
	for _, res := range t.entries {
		if res.Terminal() {
			out = append(out, res)
		}
	}
	return out
}

// WaitForAll blocks until every id has a terminal state, the timeout
// elapses (ErrTimeout), or ctx is cancelled (ErrCancelled). Results come
// back in the order of ids.
func (t *Tracker) WaitForAll(ctx context.Context, ids []string, timeout time.Duration) ([]Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		results := make([]Result, 0, len(ids))
		allDone := true
		for _, id := range ids {
			res, ok := t.entries[id]
			if !ok {
				t.mu.Unlock()
				return nil, ErrUnknown
			}
			if !res.Terminal() {
				allDone = false
				break
			}
			results = append(results, res)
		}
		notify := t.notify
		t.mu.Unlock()

		if allDone {
			return results, nil
		}
		select {
		case <-notify:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ErrCancelled
		}
	}
}

// WaitForAny blocks until the first of ids reaches a terminal state.
func (t *Tracker) WaitForAny(ctx context.Context, ids []string, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		t.mu.Lock()
		for _, id := range ids {
			res, ok := t.entries[id]
			if !ok {
				t.mu.Unlock()
				return Result{}, ErrUnknown
			}
			if res.Terminal() {
				t.mu.Unlock()
				return res, nil
			}
		}
		notify := t.notify
		t.mu.Unlock()

		select {
		case <-notify:
		case <-timer.C:
			return Result{}, ErrTimeout
		case <-ctx.Done():
			return Result{}, ErrCancelled
		}
	}
}
