package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/chroniclehq/chronicle/internal/events"
)

// SQLiteConfig configures the SQLite-backed store.
type SQLiteConfig struct {
	// Path is the database file path. Empty means in-memory.
	Path string

	// BlobDir is the directory for the content-addressed blob store.
	// Empty disables payload offloading.
	BlobDir string

	// BlobThreshold is the payload-field size in bytes above which a
	// field is offloaded to the blob store. Default: 64 KiB.
	BlobThreshold int
}

// SQLiteStore implements Store on a single SQLite file. It is safe for
// concurrent use within one process; cross-process writers are not
// supported.
type SQLiteStore struct {
	db        *sql.DB
	blobs     *BlobStore
	threshold int
	logger    *slog.Logger
}

const defaultBlobThreshold = 64 * 1024

// NewSQLiteStore opens (and migrates) the event database.
func NewSQLiteStore(cfg SQLiteConfig, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open database: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// under the per-session serialization above this store.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:        db,
		threshold: cfg.BlobThreshold,
		logger:    logger.With("component", "eventstore"),
	}
	if s.threshold <= 0 {
		s.threshold = defaultBlobThreshold
	}
	if cfg.BlobDir != "" {
		blobs, err := NewBlobStore(filepath.Clean(cfg.BlobDir))
		if err != nil {
			db.Close()
			return nil, err
		}
		s.blobs = blobs
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			workspace_id TEXT,
			root_event_id TEXT,
			head_event_id TEXT,
			working_directory TEXT,
			latest_model TEXT,
			created_at TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			session_id TEXT NOT NULL,
			workspace_id TEXT,
			type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			payload TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, sequence)`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workspace_type ON events(workspace_id, type)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			event_id TEXT PRIMARY KEY,
			workspace_id TEXT,
			vector BLOB NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_workspace ON embeddings(workspace_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("eventstore: migrate: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle for tooling. Callers must not write.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Blobs returns the blob store, or nil when offloading is disabled.
func (s *SQLiteStore) Blobs() *BlobStore { return s.blobs }

func (s *SQLiteStore) CreateSession(ctx context.Context, session *events.Session) error {
	if session == nil {
		return errors.New("eventstore: session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, root_event_id, head_event_id, working_directory, latest_model, created_at, last_activity_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.WorkspaceID, session.RootEventID, session.HeadEventID,
		session.WorkingDirectory, session.LatestModel,
		session.CreatedAt.Format(time.RFC3339Nano),
		session.LastActivityAt.Format(time.RFC3339Nano),
		nullableTime(session.EndedAt))
	if err != nil {
		return fmt.Errorf("eventstore: create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*events.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, root_event_id, head_event_id, working_directory, latest_model, created_at, last_activity_at, ended_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, workspaceID string, limit int) ([]*events.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, root_event_id, head_event_id, working_directory, latest_model, created_at, last_activity_at, ended_at
		FROM sessions
		WHERE (? = '' OR workspace_id = ?)
		ORDER BY last_activity_at DESC
		LIMIT ?`, workspaceID, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("eventstore: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*events.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *events.Session) error {
	if session == nil {
		return errors.New("eventstore: session is required")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET working_directory = ?, latest_model = ?, last_activity_at = ?, ended_at = ?
		WHERE id = ?`,
		session.WorkingDirectory, session.LatestModel,
		time.Now().UTC().Format(time.RFC3339Nano),
		nullableTime(session.EndedAt), session.ID)
	if err != nil {
		return fmt.Errorf("eventstore: update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Append stores one event atomically: parent validation, sequence
// allocation, insert, and head advancement all happen in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, req AppendRequest) (*events.Event, error) {
	if req.SessionID == "" {
		return nil, errors.New("eventstore: session id is required")
	}
	if req.Type == "" {
		return nil, errors.New("eventstore: event type is required")
	}

	payload := json.RawMessage(req.Payload)
	if s.blobs != nil && len(payload) > 0 {
		offloaded, err := OffloadPayload(payload, s.threshold, s.blobs)
		if err != nil {
			return nil, err
		}
		payload = offloaded
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("eventstore: begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if req.ParentID != "" {
		var parentSession string
		err := tx.QueryRowContext(ctx, `SELECT session_id FROM events WHERE id = ?`, req.ParentID).Scan(&parentSession)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParentNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("eventstore: check parent: %w", err)
		}
		if parentSession != req.SessionID {
			return nil, ErrParentMismatch
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = ?`,
		req.SessionID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("eventstore: next sequence: %w", err)
	}

	ev := &events.Event{
		ID:          uuid.NewString(),
		ParentID:    req.ParentID,
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		Type:        req.Type,
		Timestamp:   time.Now().UTC(),
		Sequence:    seq,
		Payload:     payload,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, parent_id, session_id, workspace_id, type, timestamp, sequence, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, nullableString(ev.ParentID), ev.SessionID, ev.WorkspaceID,
		string(ev.Type), ev.Timestamp.Format(time.RFC3339Nano), ev.Sequence,
		string(ev.Payload)); err != nil {
		return nil, fmt.Errorf("eventstore: insert event: %w", err)
	}

	// Advance the head; set the root on the first event.
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET head_event_id = ?,
		    root_event_id = CASE WHEN root_event_id IS NULL OR root_event_id = '' THEN ? ELSE root_event_id END,
		    last_activity_at = ?
		WHERE id = ?`,
		ev.ID, ev.ID, ev.Timestamp.Format(time.RFC3339Nano), ev.SessionID); err != nil {
		return nil, fmt.Errorf("eventstore: advance head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("eventstore: commit append: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*events.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, session_id, workspace_id, type, timestamp, sequence, payload
		FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (s *SQLiteStore) GetEventsBySession(ctx context.Context, sessionID string) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, session_id, workspace_id, type, timestamp, sequence, payload
		FROM events WHERE session_id = ? ORDER BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: events by session: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetAncestors walks the parent chain. Depth is bounded only by the chain
// itself; the unique (session, sequence) index and decreasing sequence
// guarantee termination on well-formed data.
func (s *SQLiteStore) GetAncestors(ctx context.Context, eventID string) ([]*events.Event, error) {
	var chain []*events.Event
	id := eventID
	for id != "" {
		ev, err := s.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ev)
		id = ev.ParentID
	}
	// Reverse to root-first order.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func (s *SQLiteStore) GetChildren(ctx context.Context, eventID string) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, session_id, workspace_id, type, timestamp, sequence, payload
		FROM events WHERE parent_id = ? ORDER BY sequence`, eventID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: children: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*events.Session, error) {
	var (
		session                   events.Session
		createdAt, lastActivityAt string
		endedAt                   sql.NullString
		rootID, headID            sql.NullString
	)
	err := row.Scan(&session.ID, &session.WorkspaceID, &rootID, &headID,
		&session.WorkingDirectory, &session.LatestModel, &createdAt, &lastActivityAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("eventstore: scan session: %w", err)
	}
	session.RootEventID = rootID.String
	session.HeadEventID = headID.String
	session.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	session.LastActivityAt, _ = time.Parse(time.RFC3339Nano, lastActivityAt)
	if endedAt.Valid && endedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err == nil {
			session.EndedAt = &t
		}
	}
	return &session, nil
}

func scanEvent(row rowScanner) (*events.Event, error) {
	var (
		ev        events.Event
		parentID  sql.NullString
		timestamp string
		payload   sql.NullString
		evType    string
	)
	err := row.Scan(&ev.ID, &parentID, &ev.SessionID, &ev.WorkspaceID, &evType, &timestamp, &ev.Sequence, &payload)
	if err != nil {
		return nil, err
	}
	ev.ParentID = parentID.String
	ev.Type = events.Type(evType)
	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	if payload.Valid && payload.String != "" {
		ev.Payload = json.RawMessage(payload.String)
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*events.Event, error) {
	var out []*events.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("eventstore: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
