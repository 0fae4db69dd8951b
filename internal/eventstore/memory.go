package eventstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chroniclehq/chronicle/internal/events"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs. It honors the same append atomicity and parent-link rules as
// the SQLite store.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]*events.Session
	eventsByID map[string]*events.Event
	bySession  map[string][]*events.Event
	embeddings map[string]memoryEmbedding
}

type memoryEmbedding struct {
	workspaceID string
	vector      []float32
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   map[string]*events.Session{},
		eventsByID: map[string]*events.Event{},
		bySession:  map[string][]*events.Event{},
		embeddings: map[string]memoryEmbedding{},
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *events.Session) error {
	if session == nil {
		return errors.New("eventstore: session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if _, ok := m.sessions[session.ID]; ok {
		return errors.New("eventstore: session already exists")
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	clone := *session
	m.sessions[session.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*events.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, workspaceID string, limit int) ([]*events.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*events.Session
	for _, session := range m.sessions {
		if workspaceID != "" && session.WorkspaceID != workspaceID {
			continue
		}
		clone := *session
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session *events.Session) error {
	if session == nil {
		return errors.New("eventstore: session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	existing.WorkingDirectory = session.WorkingDirectory
	existing.LatestModel = session.LatestModel
	existing.EndedAt = session.EndedAt
	existing.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, req AppendRequest) (*events.Event, error) {
	if req.SessionID == "" {
		return nil, errors.New("eventstore: session id is required")
	}
	if req.Type == "" {
		return nil, errors.New("eventstore: event type is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if req.ParentID != "" {
		parent, ok := m.eventsByID[req.ParentID]
		if !ok {
			return nil, ErrParentNotFound
		}
		if parent.SessionID != req.SessionID {
			return nil, ErrParentMismatch
		}
	}

	var seq int64 = 1
	if chain := m.bySession[req.SessionID]; len(chain) > 0 {
		seq = chain[len(chain)-1].Sequence + 1
	}

	ev := &events.Event{
		ID:          uuid.NewString(),
		ParentID:    req.ParentID,
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		Type:        req.Type,
		Timestamp:   time.Now().UTC(),
		Sequence:    seq,
		Payload:     append([]byte(nil), req.Payload...),
	}
	m.eventsByID[ev.ID] = ev
	m.bySession[req.SessionID] = append(m.bySession[req.SessionID], ev)

	if session, ok := m.sessions[req.SessionID]; ok {
		session.HeadEventID = ev.ID
		if session.RootEventID == "" {
			session.RootEventID = ev.ID
		}
		session.LastActivityAt = ev.Timestamp
	}

	clone := *ev
	return &clone, nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (*events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.eventsByID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	clone := *ev
	return &clone, nil
}

func (m *MemoryStore) GetEventsBySession(ctx context.Context, sessionID string) ([]*events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.bySession[sessionID]
	out := make([]*events.Event, 0, len(chain))
	for _, ev := range chain {
		clone := *ev
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) GetAncestors(ctx context.Context, eventID string) ([]*events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chain []*events.Event
	id := eventID
	for id != "" {
		ev, ok := m.eventsByID[id]
		if !ok {
			return nil, ErrEventNotFound
		}
		clone := *ev
		chain = append(chain, &clone)
		id = ev.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (m *MemoryStore) GetChildren(ctx context.Context, eventID string) ([]*events.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.eventsByID[eventID]; !ok {
		return nil, ErrEventNotFound
	}
	var out []*events.Event
	for _, ev := range m.eventsByID {
		if ev.ParentID == eventID {
			clone := *ev
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) StoreEmbedding(ctx context.Context, eventID, workspaceID string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings[eventID] = memoryEmbedding{
		workspaceID: workspaceID,
		vector:      append([]float32(nil), vector...),
	}
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, workspaceID string, query []float32, k int) ([]SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if k <= 0 {
		k = 10
	}
	var results []SearchResult
	for eventID, emb := range m.embeddings {
		if emb.workspaceID != workspaceID {
			continue
		}
		results = append(results, SearchResult{
			EventID: eventID,
			Score:   cosineSimilarity(query, emb.vector),
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *MemoryStore) Close() error { return nil }
