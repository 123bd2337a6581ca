package vector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex wraps chromem-go, a pure Go embedded vector database.
type ChromemIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
	logger      *slog.Logger
}

var _ Index = (*ChromemIndex)(nil)

// NewChromem creates a chromem-backed index. An empty path keeps everything
// in memory; otherwise collections are persisted under path.
func NewChromem(path string, logger *slog.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db at %s: %w", path, err)
		}
	}

	return &ChromemIndex{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		logger:      logger,
	}, nil
}

// getOrCreateCollection returns the named collection, creating it on first use.
func (c *ChromemIndex) getOrCreateCollection(name string) (*chromem.Collection, error) {
	c.mu.RLock()
	col, exists := c.collections[name]
	c.mu.RUnlock()

	if exists {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := c.collections[name]; exists {
		return col, nil
	}

	// Embeddings are supplied by the caller; the default distance is cosine.
	col, err := c.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	c.collections[name] = col
	return col, nil
}

// Upsert inserts or replaces a point.
func (c *ChromemIndex) Upsert(ctx context.Context, collection string, p Point) error {
	if len(p.Vector) == 0 {
		return fmt.Errorf("upsert %s: empty vector", p.ID)
	}
	col, err := c.getOrCreateCollection(collection)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        p.ID,
		Content:   p.Payload["content"],
		Embedding: p.Vector,
		Metadata:  p.Payload,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	c.logger.Debug("chromem: upserted point", "collection", collection, "id", p.ID)
	return nil
}

// Delete removes a point.
func (c *ChromemIndex) Delete(ctx context.Context, collection, id string) error {
	c.mu.RLock()
	col, exists := c.collections[collection]
	c.mu.RUnlock()
	if !exists {
		col = c.db.GetCollection(collection, nil)
		if col == nil {
			return nil
		}
	}

	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// Search returns the closest points to vec.
func (c *ChromemIndex) Search(ctx context.Context, collection string, vec []float32, limit int) ([]Hit, error) {
	col, err := c.getOrCreateCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem-go requires nResults <= collection size.
	n := limit
	if count := col.Count(); count < n {
		n = count
	}
	if n <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:      r.ID,
			Score:   float64(r.Similarity),
			Payload: r.Metadata,
		})
	}
	return hits, nil
}

// Close releases resources. chromem keeps data in memory or flushes on write,
// so there is nothing to do.
func (c *ChromemIndex) Close() error {
	return nil
}
