// Package embeddings turns message text into vectors for the event store's
// semantic index. Embedding is opportunistic throughout: failures are logged
// and never affect session correctness.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chroniclehq/chronicle/internal/events"
	"github.com/chroniclehq/chronicle/internal/eventstore"
)

// Service produces one embedding per text.
type Service interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIService embeds through the OpenAI embeddings endpoint.
type OpenAIService struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIService creates the service. dimensions may be 0 for the model
// default.
func NewOpenAIService(apiKey, model string, dimensions int) *OpenAIService {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIService{
		client:     openai.NewClient(apiKey),
		model:      model,
		dimensions: dimensions,
	}
}

// Embed requests one embedding.
func (s *OpenAIService) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(s.model),
		Dimensions: s.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// cachedService fronts a service with a content-addressed disk cache, so
// re-indexing a chain never re-pays for unchanged text.
type cachedService struct {
	inner Service
	dir   string
}

// WithCache wraps a service with the disk cache at dir.
func WithCache(inner Service, dir string) (Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("embeddings: cache dir: %w", err)
	}
	return &cachedService{inner: inner, dir: dir}, nil
}

func (c *cachedService) path(text string) string {
	sum := sha256.Sum256([]byte(text))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:16])+".json")
}

func (c *cachedService) Embed(ctx context.Context, text string) ([]float32, error) {
	path := c.path(text)
	if data, err := os.ReadFile(path); err == nil {
		var vec []float32
		if json.Unmarshal(data, &vec) == nil && len(vec) > 0 {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(vec); err == nil {
		os.WriteFile(path, data, 0o644)
	}
	return vec, nil
}

// Indexer feeds message events into the vector index.
type Indexer struct {
	service Service
	index   eventstore.VectorIndex
	logger  *slog.Logger
}

// NewIndexer creates an indexer. logger may be nil.
func NewIndexer(service Service, index eventstore.VectorIndex, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{service: service, index: index, logger: logger.With("component", "embeddings")}
}

// Index embeds the event's text content, if it has any, and stores it.
func (ix *Indexer) Index(ctx context.Context, ev *events.Event) {
	text := textOf(ev)
	if text == "" {
		return
	}
	vec, err := ix.service.Embed(ctx, text)
	if err != nil {
		ix.logger.Warn("embed failed", "event_id", ev.ID, "error", err)
		return
	}
	if err := ix.index.StoreEmbedding(ctx, ev.ID, ev.WorkspaceID, vec); err != nil {
		ix.logger.Warn("store embedding failed", "event_id", ev.ID, "error", err)
	}
}

// indexingStore feeds every appended event through the indexer.
type indexingStore struct {
	eventstore.Store
	indexer *Indexer
}

// WithIndexing decorates a store so appended message events are embedded and
// indexed. Indexing runs inline on the append path; the indexer absorbs its
// own failures.
func WithIndexing(store eventstore.Store, indexer *Indexer) eventstore.Store {
	return &indexingStore{Store: store, indexer: indexer}
}

func (s *indexingStore) Append(ctx context.Context, req eventstore.AppendRequest) (*events.Event, error) {
	ev, err := s.Store.Append(ctx, req)
	if err != nil {
		return nil, err
	}
	s.indexer.Index(ctx, ev)
	return ev, nil
}

// textOf extracts indexable text from message events. Other event types are
// not indexed.
func textOf(ev *events.Event) string {
	switch ev.Type {
	case events.TypeMessageUser:
		var p events.MessageUserPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return ""
		}
		return joinText(p.Content)
	case events.TypeMessageAssistant:
		var p events.MessageAssistantPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return ""
		}
		return joinText(p.Content)
	}
	return ""
}

func joinText(blocks []events.ContentBlock) string {
	out := ""
	for _, b := range blocks {
		if b.Type == events.BlockText && b.Text != "" {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}
