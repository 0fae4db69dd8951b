package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
)

func newSessionPersister(t *testing.T) (*Persister, eventstore.Store) {
	t.Helper()
	store := eventstore.NewMemoryStore()
	session := &events.Session{ID: "s1", WorkspaceID: "ws"}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	p := New(store, session, nil)
	t.Cleanup(p.Close)
	return p, store
}

func TestAppendAsyncChains(t *testing.T) {
	p, store := newSessionPersister(t)
	ctx := context.Background()

	root, err := p.AppendAsync(ctx, events.TypeSessionCreated, nil)
	if err != nil {
		t.Fatalf("append root: %v", err)
	}
	second, err := p.AppendAsync(ctx, events.TypeMessageUser, nil)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.ParentID != root.ID {
		t.Errorf("parent = %q, want %q", second.ParentID, root.ID)
	}
	if got, _ := store.GetSession(ctx, "s1"); got.HeadEventID != second.ID {
		t.Errorf("head = %q, want %q", got.HeadEventID, second.ID)
	}
}

// Three concurrent appends submitted in order A, B, C must land in the chain
// in submission order regardless of goroutine scheduling.
func TestParallelAppendLinearization(t *testing.T) {
	p, store := newSessionPersister(t)
	ctx := context.Background()

	if _, err := p.AppendAsync(ctx, events.TypeSessionCreated, nil); err != nil {
		t.Fatalf("root: %v", err)
	}

	types := []events.Type{"test.a", "test.b", "test.c"}
	var wg sync.WaitGroup
	for _, typ := range types {
		wg.Add(1)
		// Submission order is fixed by the synchronous enqueue in
		// Append; only completion is concurrent.
		p.Append(typ, nil, func(*events.Event) { wg.Done() })
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	wg.Wait()

	session, _ := store.GetSession(ctx, "s1")
	chain, err := store.GetAncestors(ctx, session.HeadEventID)
	if err != nil {
		t.Fatalf("ancestors: %v", err)
	}
	if len(chain) != 4 {
		t.Fatalf("chain length = %d, want 4", len(chain))
	}
	for i, typ := range types {
		if chain[i+1].Type != typ {
			t.Errorf("chain[%d].Type = %s, want %s", i+1, chain[i+1].Type, typ)
		}
	}
}

func TestAppendMultipleIsContiguous(t *testing.T) {
	p, store := newSessionPersister(t)
	ctx := context.Background()

	if _, err := p.AppendAsync(ctx, events.TypeSessionCreated, nil); err != nil {
		t.Fatalf("root: %v", err)
	}

	// Interleave single appends around the batch from another goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			p.Append("test.noise", nil, nil)
		}
	}()

	batch, err := p.AppendMultiple(ctx, []Request{
		{Type: "batch.1"}, {Type: "batch.2"}, {Type: "batch.3"},
	})
	wg.Wait()
	if err != nil {
		t.Fatalf("append multiple: %v", err)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// The batch must be contiguous in the parent chain.
	for i := 1; i < len(batch); i++ {
		if batch[i].ParentID != batch[i-1].ID {
			t.Errorf("batch[%d] parent = %q, want %q", i, batch[i].ParentID, batch[i-1].ID)
		}
	}
	if len(batch) != 3 {
		t.Fatalf("batch length = %d, want 3", len(batch))
	}

	session, _ := store.GetSession(ctx, "s1")
	chain, _ := store.GetAncestors(ctx, session.HeadEventID)
	if len(chain) != 24 {
		t.Errorf("chain length = %d, want 24", len(chain))
	}
}

func TestRunInChain(t *testing.T) {
	p, store := newSessionPersister(t)
	ctx := context.Background()

	root, err := p.AppendAsync(ctx, events.TypeSessionCreated, nil)
	if err != nil {
		t.Fatalf("root: %v", err)
	}

	err = p.RunInChain(ctx, func(parentID string) (*events.Event, error) {
		if parentID != root.ID {
			t.Errorf("parent seen by op = %q, want %q", parentID, root.ID)
		}
		return store.Append(ctx, eventstore.AppendRequest{
			SessionID: "s1", ParentID: parentID, Type: "test.chained",
		})
	})
	if err != nil {
		t.Fatalf("run in chain: %v", err)
	}

	next, err := p.AppendAsync(ctx, "test.after", nil)
	if err != nil {
		t.Fatalf("append after: %v", err)
	}
	parent, _ := store.GetEvent(ctx, next.ParentID)
	if parent.Type != "test.chained" {
		t.Errorf("chain did not adopt RunInChain result, parent type = %s", parent.Type)
	}
}

// failingStore wraps a store and fails every Append once armed.
type failingStore struct {
	eventstore.Store
	mu     sync.Mutex
	broken bool
}

func (f *failingStore) Append(ctx context.Context, req eventstore.AppendRequest) (*events.Event, error) {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return nil, errors.New("disk full")
	}
	return f.Store.Append(ctx, req)
}

func (f *failingStore) breakNow() {
	f.mu.Lock()
	f.broken = true
	f.mu.Unlock()
}

func TestStickyError(t *testing.T) {
	store := &failingStore{Store: eventstore.NewMemoryStore()}
	session := &events.Session{ID: "s1"}
	if err := store.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	p := New(store, session, nil)
	defer p.Close()
	ctx := context.Background()

	good, err := p.AppendAsync(ctx, events.TypeSessionCreated, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	store.breakNow()
	if _, err := p.AppendAsync(ctx, "test.fails", nil); err == nil {
		t.Fatal("expected append failure")
	}
	if !p.HasError() {
		t.Error("expected sticky error after failure")
	}

	// Later appends fail fast with the same sticky error, even though the
	// underlying store would now succeed again.
	store.mu.Lock()
	store.broken = false
	store.mu.Unlock()
	_, err = p.AppendAsync(ctx, "test.after", nil)
	if err == nil {
		t.Fatal("expected fail-fast after sticky error")
	}
	if !errors.Is(err, p.Err()) && err.Error() != p.Err().Error() {
		t.Errorf("fail-fast error %v does not match sticky %v", err, p.Err())
	}

	// The chain is not corrupted: the head is still the last good event.
	if p.Head() != good.ID {
		t.Errorf("head = %q, want last good %q", p.Head(), good.ID)
	}
}

func TestCloseRejectsNewAppends(t *testing.T) {
	p, _ := newSessionPersister(t)
	p.Close()

	if _, err := p.AppendAsync(context.Background(), "test.x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if err := p.Flush(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("flush err = %v, want ErrClosed", err)
	}
}

func TestFlushWaitsForQueue(t *testing.T) {
	p, store := newSessionPersister(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		p.Append("test.bulk", nil, nil)
	}
	if err := p.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	evs, _ := store.GetEventsBySession(ctx, "s1")
	if len(evs) != 50 {
		t.Errorf("persisted = %d, want 50", len(evs))
	}

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Flush(ctx2); err != nil {
		t.Errorf("empty flush: %v", err)
	}
}
