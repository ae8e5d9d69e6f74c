// Package memory gives agents recall across stages: artifact summaries are
// stored as embeddings and retrieved by similarity before each LLM call.
package memory

import (
	"context"
	"fmt"
	"path/filepath"

	chromem "github.com/philippgille/chromem-go"
	"github.com/google/uuid"

	"github.com/agentbus/agentbus/pkg/config"
)

// Hit is one recalled entry.
type Hit struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	Kind       string  `json:"kind"`
	Similarity float32 `json:"similarity"`
}

// Client is the recall interface agents use. Implementations must scope
// reads and writes to the given job.
type Client interface {
	Store(ctx context.Context, jobID, kind, content string) error
	Search(ctx context.Context, jobID, query string, topK int) ([]Hit, error)
}

const collectionName = "agentbus"

// ChromemClient implements Client on an embedded chromem-go vector store.
type ChromemClient struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemClient opens the vector store. With a persist path the store
// survives restarts; otherwise it is in-memory only. The embedding function
// may be nil, in which case chromem's default (OpenAI) is used.
func NewChromemClient(cfg config.MemoryConfig, embed chromem.EmbeddingFunc) (*ChromemClient, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.Path != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.Path, "memory.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent memory store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory collection: %w", err)
	}

	return &ChromemClient{db: db, collection: collection}, nil
}

// Store saves one entry scoped to the job.
func (c *ChromemClient) Store(ctx context.Context, jobID, kind, content string) error {
	err := c.collection.AddDocument(ctx, chromem.Document{
		ID:      uuid.NewString(),
		Content: content,
		Metadata: map[string]string{
			"job_id": jobID,
			"kind":   kind,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to store memory entry: %w", err)
	}
	return nil
}

// Search returns up to topK entries for the job, most similar first.
func (c *ChromemClient) Search(ctx context.Context, jobID, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 5
	}
	// chromem rejects queries asking for more results than stored documents.
	if count := c.collection.Count(); count == 0 {
		return nil, nil
	} else if topK > count {
		topK = count
	}

	results, err := c.collection.Query(ctx, query, topK, map[string]string{"job_id": jobID}, nil)
	if err != nil {
		return nil, fmt.Errorf("memory query failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:         r.ID,
			Content:    r.Content,
			Kind:       r.Metadata["kind"],
			Similarity: r.Similarity,
		})
	}
	return hits, nil
}

var _ Client = (*ChromemClient)(nil)

// Noop is the Client used when memory is disabled: stores nothing, recalls
// nothing.
type Noop struct{}

func (Noop) Store(context.Context, string, string, string) error { return nil }

func (Noop) Search(context.Context, string, string, int) ([]Hit, error) { return nil, nil }

var _ Client = Noop{}
