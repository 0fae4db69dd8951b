package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/chroniclehq/chronicle/internal/events"
)

// Mirror appends every persisted event to a per-session JSONL file. The
// mirror is a debugging and export surface, never a source of truth: a
// mirror write failure is logged and the append still succeeds.
type Mirror struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewMirror creates a mirror rooted at dir.
func NewMirror(dir string, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventstore: mirror dir: %w", err)
	}
	return &Mirror{
		dir:    dir,
		logger: logger.With("component", "mirror"),
		files:  map[string]*os.File{},
	}, nil
}

// Write appends one event as a JSON line to the session's file.
func (m *Mirror) Write(ev *events.Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("mirror marshal failed", "event_id", ev.ID, "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[ev.SessionID]
	if !ok {
		f, err = os.OpenFile(filepath.Join(m.dir, ev.SessionID+".jsonl"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			m.logger.Warn("mirror open failed", "session_id", ev.SessionID, "error", err)
			return
		}
		m.files[ev.SessionID] = f
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		m.logger.Warn("mirror write failed", "session_id", ev.SessionID, "error", err)
	}
}

// CloseSession closes the session's mirror file.
func (m *Mirror) CloseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[sessionID]; ok {
		f.Close()
		delete(m.files, sessionID)
	}
}

// Close closes every open mirror file.
func (m *Mirror) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, f := range m.files {
		f.Close()
		delete(m.files, id)
	}
}

// mirroredStore feeds the mirror after each successful append.
type mirroredStore struct {
	Store
	mirror *Mirror
}

// WithMirror wraps a store so every append is also written to the mirror.
func WithMirror(store Store, mirror *Mirror) Store {
	return &mirroredStore{Store: store, mirror: mirror}
}

func (s *mirroredStore) Append(ctx context.Context, req AppendRequest) (*events.Event, error) {
	ev, err := s.Store.Append(ctx, req)
	if err != nil {
		return nil, err
	}
	s.mirror.Write(ev)
	return ev, nil
}
