// Package provenance tracks the origin and trust level of every piece of
// data flowing through the task pipeline.
package provenance

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CherryPod/sentinel-sub001/pkg/models"
)

const (
	maxEntries     = 10_000
	maxFileEntries = 10_000
	maxChainDepth  = 50
)

// Store holds TaggedData entries and the file-write provenance registry.
// Entries are kept in memory for the lifetime of the process and written
// through to SQLite when a database is configured.
type Store struct {
	mu          sync.RWMutex
	items       map[string]*models.TaggedData
	order       []string
	fileWriters map[string]string
	fileOrder   []string

	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a provenance store. db may be nil for in-memory use.
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		items:       make(map[string]*models.TaggedData),
		fileWriters: make(map[string]string),
		db:          db,
		logger:      logger.With("component", "provenance"),
	}
}

// Create builds a new TaggedData entry with trust inheritance: if any parent
// is untrusted the child is untrusted regardless of the requested level.
func (s *Store) Create(content string, source models.DataSource, trust models.TrustLevel, originatedFrom string, parentIDs ...string) *models.TaggedData {
	s.mu.Lock()
	defer s.mu.Unlock()

	effective := trust
	for _, pid := range parentIDs {
		if parent, ok := s.items[pid]; ok && parent.TrustLevel == models.TrustUntrusted {
			effective = models.TrustUntrusted
			break
		}
	}
	// Worker output is untrusted unconditionally.
	if source == models.SourceWorker {
		effective = models.TrustUntrusted
	}

	tagged := &models.TaggedData{
		ID:             uuid.New().String(),
		Content:        content,
		TrustLevel:     effective,
		Source:         source,
		OriginatedFrom: originatedFrom,
		ParentIDs:      append([]string(nil), parentIDs...),
		CreatedAt:      time.Now().UTC(),
	}

	s.items[tagged.ID] = tagged
	s.order = append(s.order, tagged.ID)
	s.evictLocked()

	if s.db != nil {
		parents, _ := json.Marshal(tagged.ParentIDs)
		_, err := s.db.Exec(
			`INSERT INTO provenance (data_id, content, source, trust_level, originated_from, parent_ids) VALUES (?, ?, ?, ?, ?, ?)`,
			tagged.ID, tagged.Content, string(tagged.Source), string(tagged.TrustLevel), tagged.OriginatedFrom, string(parents),
		)
		if err != nil {
			s.logger.Error("provenance write-through failed", "data_id", tagged.ID, "error", err)
		}
	}

	return tagged
}

// Get returns the TaggedData for an id, or nil if unknown.
func (s *Store) Get(id string) *models.TaggedData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[id]
}

// Chain walks the provenance graph from id back to its roots, breadth-first,
// capped at maxChainDepth entries. Missing ancestors are skipped.
func (s *Store) Chain(id string) []*models.TaggedData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainLocked(id)
}

func (s *Store) chainLocked(id string) []*models.TaggedData {
	var chain []*models.TaggedData
	visited := make(map[string]struct{})
	queue := []string{id}

	for len(queue) > 0 && len(chain) < maxChainDepth {
		current := queue[0]
		queue = queue[1:]
		if _, ok := visited[current]; ok {
			continue
		}
		visited[current] = struct{}{}

		item, ok := s.items[current]
		if !ok {
			continue
		}
		chain = append(chain, item)
		for _, pid := range item.ParentIDs {
			if _, ok := visited[pid]; !ok {
				queue = append(queue, pid)
			}
		}
	}
	return chain
}

// IsTrustSafeForExecution reports whether the data and every ancestor
// reachable via parent ids is trusted. Unknown ids are unsafe.
func (s *Store) IsTrustSafeForExecution(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.items[id]; !ok {
		return false
	}
	for _, item := range s.chainLocked(id) {
		if item.TrustLevel != models.TrustTrusted {
			return false
		}
	}
	return true
}

// RecordFileWrite remembers which provenance entry last wrote a file, so a
// later file_read cannot launder untrusted content into a trusted value.
func (s *Store) RecordFileWrite(path, dataID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fileWriters[path]; !ok {
		s.fileOrder = append(s.fileOrder, path)
	}
	s.fileWriters[path] = dataID
	for len(s.fileOrder) > maxFileEntries {
		oldest := s.fileOrder[0]
		s.fileOrder = s.fileOrder[1:]
		delete(s.fileWriters, oldest)
	}

	if s.db != nil {
		_, err := s.db.Exec(
			`INSERT OR REPLACE INTO file_provenance (file_path, writer_data_id) VALUES (?, ?)`,
			path, dataID,
		)
		if err != nil {
			s.logger.Error("file provenance write-through failed", "path", path, "error", err)
		}
	}
}

// FileWriter returns the data id that last wrote the path, or "" if the file
// has no recorded writer.
func (s *Store) FileWriter(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fileWriters[path]
}

// Reset clears all provenance data.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*models.TaggedData)
	s.order = nil
	s.fileWriters = make(map[string]string)
	s.fileOrder = nil

	if s.db != nil {
		if _, err := s.db.Exec(`DELETE FROM file_provenance`); err != nil {
			s.logger.Error("file provenance reset failed", "error", err)
		}
		if _, err := s.db.Exec(`DELETE FROM provenance`); err != nil {
			s.logger.Error("provenance reset failed", "error", err)
		}
	}
}

func (s *Store) evictLocked() {
	for len(s.order) > maxEntries {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
}
