// Package memory implements persistent semantic memory: a chromem-go
// vector collection for similarity search with a memory_chunks table as the
// durable record.
package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/CherryPod/sentinel-sub001/pkg/bus"
)

// Chunk is one stored memory.
type Chunk struct {
	ChunkID   string            `json:"chunk_id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// SearchResult pairs a chunk with its similarity to the query.
type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float32 `json:"similarity"`
}

// Store persists memories and serves similarity search.
type Store struct {
	collection *chromem.Collection
	db         *sql.DB
	bus        *bus.EventBus
	logger     *slog.Logger
}

// NewStore opens (or creates) the vector collection. persistPath may be
// empty for a purely in-memory collection; db may be nil to skip the SQL
// write-through.
func NewStore(persistPath string, embed chromem.EmbeddingFunc, db *sql.DB, eventBus *bus.EventBus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var cdb *chromem.DB
	var err error
	if persistPath != "" {
		cdb, err = chromem.NewPersistentDB(filepath.Join(persistPath, "memory.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("opening vector store: %w", err)
		}
	} else {
		cdb = chromem.NewDB()
	}

	collection, err := cdb.GetOrCreateCollection("memories", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening memory collection: %w", err)
	}

	return &Store{
		collection: collection,
		db:         db,
		bus:        eventBus,
		logger:     logger.With("component", "memory"),
	}, nil
}

// Store saves a memory and announces it on the bus.
func (s *Store) Store(ctx context.Context, content string, metadata map[string]string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("memory content is empty")
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	if err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: metadata,
	}); err != nil {
		return "", fmt.Errorf("adding memory to vector store: %w", err)
	}

	if s.db != nil {
		metaJSON, _ := json.Marshal(metadata)
		_, err := s.db.Exec(
			`INSERT INTO memory_chunks (chunk_id, content, metadata, created_at) VALUES (?, ?, ?, ?)`,
			id, content, string(metaJSON), now.Format("2006-01-02T15:04:05.000Z"),
		)
		if err != nil {
			s.logger.Error("memory write-through failed", "chunk_id", id, "error", err)
		}
	}

	if s.bus != nil {
		s.bus.Publish(ctx, "memory.stored", map[string]any{
			"chunk_id": id,
			"preview":  truncate(content, 100),
		})
	}
	s.logger.Info("memory stored", "chunk_id", id, "bytes", len(content))
	return id, nil
}

// Search returns the memories most similar to the query, best first. Equal
// scores are ordered by chunk id so results are stable.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	// chromem rejects queries asking for more results than documents.
	if count := s.collection.Count(); count < limit {
		limit = count
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := s.collection.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying memory: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			Chunk: Chunk{
				ChunkID:  r.ID,
				Content:  r.Content,
				Metadata: r.Metadata,
			},
			Similarity: r.Similarity,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Chunk.ChunkID < out[j].Chunk.ChunkID
	})
	return out, nil
}

// Get returns one memory by id.
func (s *Store) Get(id string) (*Chunk, error) {
	if s.db == nil {
		return nil, fmt.Errorf("memory lookup requires a database")
	}
	row := s.db.QueryRow(`SELECT chunk_id, content, metadata, created_at FROM memory_chunks WHERE chunk_id = ?`, id)

	var c Chunk
	var metaJSON, createdAt string
	if err := row.Scan(&c.ChunkID, &c.Content, &metaJSON, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	c.CreatedAt, _ = time.Parse("2006-01-02T15:04:05.000Z", createdAt)
	return &c, nil
}

// List returns all memories, newest first.
func (s *Store) List(limit int) ([]*Chunk, error) {
	if s.db == nil {
		return nil, fmt.Errorf("memory listing requires a database")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT chunk_id, content, metadata, created_at FROM memory_chunks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		var c Chunk
		var metaJSON, createdAt string
		if err := rows.Scan(&c.ChunkID, &c.Content, &metaJSON, &createdAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
		c.CreatedAt, _ = time.Parse("2006-01-02T15:04:05.000Z", createdAt)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// Delete removes a memory from both stores.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.collection.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("deleting from vector store: %w", err)
	}
	if s.db != nil {
		if _, err := s.db.Exec(`DELETE FROM memory_chunks WHERE chunk_id = ?`, id); err != nil {
			return fmt.Errorf("deleting memory row: %w", err)
		}
	}
	return nil
}

// Count returns the number of stored memories.
func (s *Store) Count() int {
	return s.collection.Count()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NewOllamaEmbedding returns an embedding func backed by an Ollama
// embeddings endpoint.
func NewOllamaEmbedding(baseURL, model string, timeout time.Duration) chromem.EmbeddingFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, text string) ([]float32, error) {
		body, _ := json.Marshal(map[string]string{"model": model, "prompt": text})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embedding request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("embedding endpoint returned HTTP %d", resp.StatusCode)
		}

		var out struct {
			Embedding []float32 `json:"embedding"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding embedding: %w", err)
		}
		if len(out.Embedding) == 0 {
			return nil, fmt.Errorf("embedding endpoint returned an empty vector")
		}
		return out.Embedding, nil
	}
}
