package eventstore

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/chroniclehq/chronicle/internal/events"
)

func TestMirrorWritesJSONLPerSession(t *testing.T) {
	dir := t.TempDir()
	mirror, err := NewMirror(dir, nil)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	defer mirror.Close()

	store := WithMirror(NewMemoryStore(), mirror)
	ctx := context.Background()
	if err := store.CreateSession(ctx, &events.Session{ID: "m1"}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	root, err := store.Append(ctx, AppendRequest{SessionID: "m1", Type: events.TypeSessionCreated, Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := store.Append(ctx, AppendRequest{
		SessionID: "m1", ParentID: root.ID, Type: events.TypeMessageUser,
		Payload: events.MarshalPayload(events.MessageUserPayload{Content: []events.ContentBlock{{Type: events.BlockText, Text: "hi"}}}),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	mirror.CloseSession("m1")

	f, err := os.Open(filepath.Join(dir, "m1.jsonl"))
	if err != nil {
		t.Fatalf("open mirror file: %v", err)
	}
	defer f.Close()

	var lines []*events.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev events.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad mirror line: %v", err)
		}
		lines = append(lines, &ev)
	}
	if len(lines) != 2 {
		t.Fatalf("mirror lines = %d, want 2", len(lines))
	}
	if lines[1].Type != events.TypeMessageUser || lines[1].ParentID != root.ID {
		t.Errorf("second line = %+v", lines[1])
	}
}

func TestMirrorFailureDoesNotFailAppend(t *testing.T) {
	dir := t.TempDir()
	mirror, err := NewMirror(dir, nil)
	if err != nil {
		t.Fatalf("new mirror: %v", err)
	}
	// Removing the directory makes every mirror open fail.
	os.RemoveAll(dir)

	store := WithMirror(NewMemoryStore(), mirror)
	ctx := context.Background()
	if err := store.CreateSession(ctx, &events.Session{ID: "m2"}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := store.Append(ctx, AppendRequest{SessionID: "m2", Type: events.TypeSessionCreated, Payload: []byte(`{}`)}); err != nil {
		t.Errorf("append failed with broken mirror: %v", err)
	}
}
