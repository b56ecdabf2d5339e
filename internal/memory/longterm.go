package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/maestro/internal/inference"
)

// Hit is one long-term memory retrieval result.
type Hit struct {
	ID        string
	Content   string
	Score     float32
	CreatedAt time.Time
}

// LongTerm is the durable vector memory. Each session owns a chromem
// collection; purging a session drops its collection wholesale.
type LongTerm struct {
	db       *chromem.DB
	embedder inference.Embedder
	logger   *zap.Logger
}

// NewLongTerm opens (or creates) the vector store at path. An empty
// path yields an in-memory store, used by tests.
func NewLongTerm(path string, embedder inference.Embedder, logger *zap.Logger) (*LongTerm, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	}
	return &LongTerm{db: db, embedder: embedder, logger: logger}, nil
}

func collectionName(sessionID string) string {
	return "session-" + sessionID
}

func (lt *LongTerm) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vectors, err := lt.embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) != 1 {
			return nil, fmt.Errorf("embedder returned %d vectors for one text", len(vectors))
		}
		return vectors[0], nil
	}
}

// Store persists one memory entry for the session and returns its ID.
func (lt *LongTerm) Store(ctx context.Context, sessionID, content string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("memory content must not be empty")
	}

	collection, err := lt.db.GetOrCreateCollection(collectionName(sessionID), nil, lt.embeddingFunc())
	if err != nil {
		return "", fmt.Errorf("open session collection: %w", err)
	}

	id := uuid.NewString()
	doc := chromem.Document{
		ID:      id,
		Content: content,
		Metadata: map[string]string{
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if err := collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return "", fmt.Errorf("store memory: %w", err)
	}

	lt.logger.Debug("stored long-term memory",
		zap.String("session_id", sessionID),
		zap.String("memory_id", id),
		zap.Int("content_len", len(content)))
	return id, nil
}

// Query returns the k nearest memories for the session, most similar
// first; equal similarity breaks toward the more recent entry. A
// session with no memories yields an empty slice.
func (lt *LongTerm) Query(ctx context.Context, sessionID, text string, k int) ([]Hit, error) {
	if k <= 0 {
		k = 5
	}

	collection := lt.db.GetCollection(collectionName(sessionID), lt.embeddingFunc())
	if collection == nil {
		return nil, nil
	}
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query session memory: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{ID: r.ID, Content: r.Content, Score: r.Similarity}
		if raw, ok := r.Metadata["created_at"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				hit.CreatedAt = ts
			}
		}
		hits = append(hits, hit)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	return hits, nil
}

// Purge deletes the session's entire collection. Purging a session
// that has no memories is a no-op.
func (lt *LongTerm) Purge(ctx context.Context, sessionID string) error {
	name := collectionName(sessionID)
	if lt.db.GetCollection(name, lt.embeddingFunc()) == nil {
		return nil
	}
	if err := lt.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("purge session memory: %w", err)
	}
	lt.logger.Info("purged session memory", zap.String("session_id", sessionID))
	return nil
}
