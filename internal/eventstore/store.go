// Package eventstore persists the append-only, parent-linked event log that
// every session is reconstructed from, plus the blob store for oversized
// payload fields and an optional vector index.
package eventstore

import (
	"context"
	"errors"

	"github.com/chroniclehq/chronicle/internal/events"
)

var (
	// ErrNotAvailable is returned when the store (or a subsystem such as
	// the vector index) is not configured. The log historically used two
	// codes for this condition; this is the single surviving one.
	ErrNotAvailable = errors.New("eventstore: not available")

	// ErrEventNotFound is returned for lookups of unknown event IDs.
	ErrEventNotFound = errors.New("eventstore: event not found")

	// ErrSessionNotFound is returned for lookups of unknown session IDs.
	ErrSessionNotFound = errors.New("eventstore: session not found")

	// ErrParentNotFound is returned when an append names a parent that
	// does not exist.
	ErrParentNotFound = errors.New("eventstore: parent event not found")

	// ErrParentMismatch is returned when an append names a parent that
	// belongs to a different session.
	ErrParentMismatch = errors.New("eventstore: parent belongs to a different session")

	// ErrSessionEnded is returned when appending to an ended session.
	ErrSessionEnded = errors.New("eventstore: session has ended")
)

// AppendRequest describes one event to append.
type AppendRequest struct {
	SessionID   string
	WorkspaceID string
	ParentID    string
	Type        events.Type
	Payload     []byte
}

// Store is the append-only event log. Implementations must make Append
// atomic: after a successful return the event is visible to all readers,
// and a failed call leaves no trace.
type Store interface {
	// CreateSession registers a session. The caller appends the
	// session.created root event separately.
	CreateSession(ctx context.Context, session *events.Session) error

	// GetSession returns the session record or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*events.Session, error)

	// ListSessions returns sessions in a workspace ordered by last
	// activity, newest first. workspaceID may be empty for all.
	ListSessions(ctx context.Context, workspaceID string, limit int) ([]*events.Session, error)

	// UpdateSession persists mutable session fields (working directory,
	// latest model, ended-at). Head advancement happens inside Append.
	UpdateSession(ctx context.Context, session *events.Session) error

	// Append validates the parent link, assigns id, sequence, and
	// timestamp, stores the event, and advances the session head.
	Append(ctx context.Context, req AppendRequest) (*events.Event, error)

	// GetEvent returns a single event or ErrEventNotFound.
	GetEvent(ctx context.Context, id string) (*events.Event, error)

	// GetEventsBySession returns all events of a session ordered by
	// sequence, including out-of-branch events.
	GetEventsBySession(ctx context.Context, sessionID string) ([]*events.Event, error)

	// GetAncestors walks the parent chain from eventID to the root and
	// returns the chain in root-first order. This is the authoritative
	// projection of session state; forks make full scans unsound.
	GetAncestors(ctx context.Context, eventID string) ([]*events.Event, error)

	// GetChildren returns the direct children of an event.
	GetChildren(ctx context.Context, eventID string) ([]*events.Event, error)

	// Close releases underlying resources.
	Close() error
}

// VectorIndex stores per-event embeddings for semantic search. Embeddings
// are opportunistic: a missing embedding never affects history correctness.
type VectorIndex interface {
	StoreEmbedding(ctx context.Context, eventID, workspaceID string, vector []float32) error
	Search(ctx context.Context, workspaceID string, query []float32, k int) ([]SearchResult, error)
}

// SearchResult is one vector search hit.
type SearchResult struct {
	EventID string
	Score   float32
}
