// Package persist serializes event appends for one session so that every
// event's parent is the previous successful append, even when producers run
// concurrently.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
)

// ErrClosed is returned for appends submitted after Close.
var ErrClosed = errors.New("persist: persister closed")

// taskBufferSize bounds the pending append queue. Producers block when the
// queue is full, which preserves ordering under pressure.
const taskBufferSize = 256

// Persister owns the linearization chain of a single session. Exactly one
// Persister exists per active session; all appends go through it, one at a
// time, in submission order.
//
// A failed append sets a sticky error: every later append fails fast with
// the same error and the chain is left intact at its last good head.
type Persister struct {
	store       eventstore.Store
	sessionID   string
	workspaceID string
	logger      *slog.Logger

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	mu          sync.Mutex
	pendingHead string
	stickyErr   error
}

// New creates a persister whose chain continues from the session's current
// head.
func New(store eventstore.Store, session *events.Session, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persister{
		store:       store,
		sessionID:   session.ID,
		workspaceID: session.WorkspaceID,
		logger:      logger.With("component", "persist", "session_id", session.ID),
		tasks:       make(chan func(), taskBufferSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		pendingHead: session.HeadEventID,
	}
	go p.run()
	return p
}

func (p *Persister) run() {
	defer close(p.done)
	for {
		select {
		case task := <-p.tasks:
			task()
		case <-p.quit:
			// Drain whatever was queued before Close.
			for {
				select {
				case task := <-p.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// submit queues a task, returning false if the persister is closed.
func (p *Persister) submit(task func()) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.tasks <- task:
		return true
	case <-p.quit:
		return false
	}
}

// appendLocked performs one append against the current pending head. Must
// run on the worker goroutine.
func (p *Persister) appendOne(ctx context.Context, typ events.Type, payload []byte) (*events.Event, error) {
	p.mu.Lock()
	if p.stickyErr != nil {
		err := p.stickyErr
		p.mu.Unlock()
		return nil, err
	}
	parent := p.pendingHead
	p.mu.Unlock()

	ev, err := p.store.Append(ctx, eventstore.AppendRequest{
		SessionID:   p.sessionID,
		WorkspaceID: p.workspaceID,
		ParentID:    parent,
		Type:        typ,
		Payload:     payload,
	})
	if err != nil {
		p.fail(err)
		return nil, err
	}

	p.mu.Lock()
	p.pendingHead = ev.ID
	p.mu.Unlock()
	return ev, nil
}

func (p *Persister) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stickyErr == nil {
		p.stickyErr = fmt.Errorf("persist: append failed: %w", err)
		p.logger.Error("append failed, persister is now sticky", "error", err)
	}
}

// AppendAsync appends one event and waits for the result.
func (p *Persister) AppendAsync(ctx context.Context, typ events.Type, payload []byte) (*events.Event, error) {
	type result struct {
		ev  *events.Event
		err error
	}
	ch := make(chan result, 1)
	ok := p.submit(func() {
		ev, err := p.appendOne(ctx, typ, payload)
		ch <- result{ev, err}
	})
	if !ok {
		return nil, ErrClosed
	}
	select {
	case res := <-ch:
		return res.ev, res.err
	case <-ctx.Done():
		// The append still runs in order; the caller just stops waiting.
		return nil, ctx.Err()
	}
}

// Append is fire-and-forget but keeps order with every other append on this
// session. onCreated, when non-nil, fires after the event is persisted.
func (p *Persister) Append(typ events.Type, payload []byte, onCreated func(*events.Event)) {
	p.submit(func() {
		ev, err := p.appendOne(context.Background(), typ, payload)
		if err == nil && onCreated != nil {
			onCreated(ev)
		}
	})
}

// Request describes one entry of an AppendMultiple batch.
type Request struct {
	Type    events.Type
	Payload []byte
}

// AppendMultiple persists a batch contiguously: no other append on this
// session can interleave inside the batch. On the first failure the rest of
// the batch is abandoned and the sticky error is set.
func (p *Persister) AppendMultiple(ctx context.Context, reqs []Request) ([]*events.Event, error) {
	type result struct {
		evs []*events.Event
		err error
	}
	ch := make(chan result, 1)
	ok := p.submit(func() {
		out := make([]*events.Event, 0, len(reqs))
		for _, req := range reqs {
			ev, err := p.appendOne(ctx, req.Type, req.Payload)
			if err != nil {
				ch <- result{out, err}
				return
			}
			out = append(out, ev)
		}
		ch <- result{out, nil}
	})
	if !ok {
		return nil, ErrClosed
	}
	select {
	case res := <-ch:
		return res.evs, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunInChain executes op inside the chain. op receives the current parent id
// and must return the freshly created chain tip (appended by the caller
// through the store), which becomes the new pending head. Use this for
// multi-event work, such as logical deletes, that must not be interleaved.
func (p *Persister) RunInChain(ctx context.Context, op func(parentID string) (*events.Event, error)) error {
	ch := make(chan error, 1)
	ok := p.submit(func() {
		p.mu.Lock()
		if p.stickyErr != nil {
			err := p.stickyErr
			p.mu.Unlock()
			ch <- err
			return
		}
		parent := p.pendingHead
		p.mu.Unlock()

		ev, err := op(parent)
		if err != nil {
			p.fail(err)
			ch <- err
			return
		}
		if ev == nil {
			err := errors.New("persist: RunInChain op returned no event")
			p.fail(err)
			ch <- err
			return
		}
		p.mu.Lock()
		p.pendingHead = ev.ID
		p.mu.Unlock()
		ch <- nil
	})
	if !ok {
		return ErrClosed
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush resolves when every queued task has completed.
func (p *Persister) Flush(ctx context.Context) error {
	ch := make(chan struct{})
	if !p.submit(func() { close(ch) }) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Head returns the current pending head event id.
func (p *Persister) Head() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingHead
}

// HasError reports whether the persister carries a sticky error.
func (p *Persister) HasError() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stickyErr != nil
}

// Err returns the sticky error, if any.
func (p *Persister) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stickyErr
}

// Close drains queued tasks and stops the worker. Appends submitted after
// Close fail with ErrClosed. Callers must stop producers before closing.
func (p *Persister) Close() {
	p.once.Do(func() {
		close(p.quit)
		<-p.done
	})
}
