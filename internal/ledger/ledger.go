// Package ledger maintains the continuity ledger: a per-session markdown
// file of handoff notes that survives the event database. Entries are also
// mirrored into the session chain as memory.ledger events by the caller.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Writer appends entries to per-session ledger files.
type Writer struct {
	dir string
	mu  sync.Mutex

	now func() time.Time
}

// NewWriter creates the ledger directory if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

func (w *Writer) path(sessionID string) string {
	return filepath.Join(w.dir, sessionID+".md")
}

// Append adds one timestamped entry to the session's ledger.
func (w *Writer) Append(sessionID, entry string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open: %w", err)
	}
	defer f.Close()

	stamp := w.now().UTC().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "## %s\n\n%s\n\n", stamp, strings.TrimSpace(entry)); err != nil {
		return fmt.Errorf("ledger: write: %w", err)
	}
	return nil
}

// Read returns the full ledger for a session. A missing ledger is empty,
// not an error.
func (w *Writer) Read(sessionID string) (string, error) {
	data, err := os.ReadFile(w.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("ledger: read: %w", err)
	}
	return string(data), nil
}

// HandoffEntry composes the session-end handoff note.
type HandoffEntry struct {
	StopReason   string
	Turns        int
	Messages     int
	ActiveSkills []string
	OpenTodos    []string
}

// Render formats the handoff as markdown.
func (h HandoffEntry) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session ended: %s after %d turn(s), %d user message(s).\n",
		h.StopReason, h.Turns, h.Messages)
	if len(h.ActiveSkills) > 0 {
		fmt.Fprintf(&b, "\nActive skills: %s\n", strings.Join(h.ActiveSkills, ", "))
	}
	if len(h.OpenTodos) > 0 {
		b.WriteString("\nOpen tasks:\n")
		for _, todo := range h.OpenTodos {
			fmt.Fprintf(&b, "- %s\n", todo)
		}
	}
	return b.String()
}
