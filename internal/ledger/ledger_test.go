package ledger

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppendAndRead(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "memory"))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	w.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

	if err := w.Append("s1", "first note"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append("s1", "second note"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append("s2", "other session"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := w.Read("s1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(got, "## 2026-08-24T12:00:00Z") {
		t.Errorf("missing timestamp header:\n%s", got)
	}
	if !strings.Contains(got, "first note") || !strings.Contains(got, "second note") {
		t.Errorf("missing entries:\n%s", got)
	}
	if strings.Contains(got, "other session") {
		t.Error("entries leaked across sessions")
	}
}

func TestReadMissingLedgerIsEmpty(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "memory"))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	got, err := w.Read("absent")
	if err != nil || got != "" {
		t.Errorf("read = %q, %v", got, err)
	}
}

func TestHandoffRender(t *testing.T) {
	h := HandoffEntry{
		StopReason:   "end_turn",
		Turns:        3,
		Messages:     2,
		ActiveSkills: []string{"review"},
		OpenTodos:    []string{"finish docs"},
	}
	got := h.Render()
	for _, want := range []string{"end_turn", "3 turn(s)", "review", "finish docs"} {
		if !strings.Contains(got, want) {
			t.Errorf("render missing %q:\n%s", want, got)
		}
	}
}
