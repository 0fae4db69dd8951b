package auth

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/chroniclehq/chronicle/internal/provider"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "auth"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	want := &provider.OAuthToken{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := store.Save("anthropic", want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load("anthropic")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.RefreshToken != want.RefreshToken {
		t.Errorf("loaded = %+v", got)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("expiry = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestTokenFileIsOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permissions")
	}
	dir := filepath.Join(t.TempDir(), "auth")
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save("openai", &provider.OAuthToken{AccessToken: "a"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "openai.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("perm = %o, want 600", perm)
	}
}

func TestLoadMissingToken(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "auth"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Load("anthropic"); !errors.Is(err, ErrNoToken) {
		t.Errorf("err = %v, want ErrNoToken", err)
	}
}

func TestPersistFuncWritesThrough(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "auth"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	persist := store.PersistFunc("anthropic")
	if err := persist(&provider.OAuthToken{AccessToken: "fresh"}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, err := store.Load("anthropic")
	if err != nil || got.AccessToken != "fresh" {
		t.Errorf("load after persist = %+v, %v", got, err)
	}
}
