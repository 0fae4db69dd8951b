package eventstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"
)

// StoreEmbedding upserts the embedding for an event.
func (s *SQLiteStore) StoreEmbedding(ctx context.Context, eventID, workspaceID string, vector []float32) error {
	if len(vector) == 0 {
		return nil
	}
	blob, err := encodeVector(vector)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embeddings (event_id, workspace_id, vector, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET vector = excluded.vector`,
		eventID, workspaceID, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("eventstore: store embedding: %w", err)
	}
	return nil
}

// Search returns the k nearest events by cosine similarity. Similarity is
// computed in Go over the candidate set; workspaces are small enough that a
// scan beats maintaining an ANN structure.
func (s *SQLiteStore) Search(ctx context.Context, workspaceID string, query []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, vector FROM embeddings WHERE workspace_id = ?`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("eventstore: search embeddings: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			eventID string
			blob    []byte
		)
		if err := rows.Scan(&eventID, &blob); err != nil {
			return nil, fmt.Errorf("eventstore: scan embedding: %w", err)
		}
		vector, err := decodeVector(blob)
		if err != nil {
			continue // skip corrupt rows; embeddings are opportunistic
		}
		score := cosineSimilarity(query, vector)
		results = append(results, SearchResult{EventID: eventID, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func encodeVector(v []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("eventstore: encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("eventstore: malformed vector blob (%d bytes)", len(blob))
	}
	out := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &out); err != nil {
		return nil, fmt.Errorf("eventstore: decode vector: %w", err)
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
