package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// blobRefKey marks a payload field whose value lives in the blob store.
const blobRefKey = "$blob"

// BlobStore is a content-addressed file store. Blobs are keyed by the
// SHA-256 of their content, so writes are idempotent and references are
// stable across reconstruction.
type BlobStore struct {
	dir string
}

// NewBlobStore creates the blob directory if needed.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventstore: create blob dir: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// Put stores content and returns its hash. Re-storing existing content is a
// no-op.
func (b *BlobStore) Put(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	path := b.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("eventstore: blob dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return "", fmt.Errorf("eventstore: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("eventstore: finalize blob: %w", err)
	}
	return hash, nil
}

// Get returns the content for a hash.
func (b *BlobStore) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(b.path(hash))
	if err != nil {
		return nil, fmt.Errorf("eventstore: read blob %s: %w", hash, err)
	}
	return data, nil
}

func (b *BlobStore) path(hash string) string {
	// Two-character fan-out keeps directories small.
	return filepath.Join(b.dir, hash[:2], hash)
}

// blobRef is the in-payload stand-in for an offloaded field value.
type blobRef struct {
	Hash  string `json:"$blob"`
	Bytes int    `json:"bytes"`
}

// OffloadPayload replaces top-level payload fields larger than threshold
// with blob references. Payloads that are not JSON objects pass through
// unchanged.
func OffloadPayload(payload json.RawMessage, threshold int, blobs *BlobStore) (json.RawMessage, error) {
	if len(payload) <= threshold {
		return payload, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload, nil //nolint:nilerr // non-object payloads stay inline
	}

	changed := false
	for key, value := range fields {
		if len(value) <= threshold {
			continue
		}
		hash, err := blobs.Put(value)
		if err != nil {
			return nil, err
		}
		ref, err := json.Marshal(blobRef{Hash: hash, Bytes: len(value)})
		if err != nil {
			return nil, fmt.Errorf("eventstore: encode blob ref: %w", err)
		}
		fields[key] = ref
		changed = true
	}
	if !changed {
		return payload, nil
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("eventstore: reassemble payload: %w", err)
	}
	return out, nil
}

// ResolvePayload expands blob references back into inline field values.
func ResolvePayload(payload json.RawMessage, blobs *BlobStore) (json.RawMessage, error) {
	if blobs == nil || len(payload) == 0 {
		return payload, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload, nil //nolint:nilerr
	}

	changed := false
	for key, value := range fields {
		var ref blobRef
		if err := json.Unmarshal(value, &ref); err != nil || ref.Hash == "" {
			continue
		}
		content, err := blobs.Get(ref.Hash)
		if err != nil {
			return nil, err
		}
		fields[key] = content
		changed = true
	}
	if !changed {
		return payload, nil
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("eventstore: reassemble payload: %w", err)
	}
	return out, nil
}
