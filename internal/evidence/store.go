package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"

	"github.com/groundgate-ai/groundgate/internal/metrics"
	"github.com/groundgate-ai/groundgate/internal/models"
)

// idPrefixLen bounds how much chunk text participates in the content
// address. Chunks differing only beyond this prefix under the same
// (source, locator) would collide, so ingestion should keep chunks small.
const idPrefixLen = 256

// Mirror receives every accepted chunk for durable storage. The in-memory
// store stays the source of truth at run time.
type Mirror interface {
	SaveChunk(chunk models.Chunk) error
}

// Store is the content-addressed registry of evidence chunks and the single
// source of truth for citations. It is append-only: no chunk is ever
// overwritten or deleted during a run. Reads may run concurrently across
// subtasks; writes are serialized behind the mutex.
type Store struct {
	mu     sync.RWMutex
	chunks map[string]models.Chunk
	mirror Mirror
	logger *zap.Logger
}

// NewStore creates an empty in-memory store.
func NewStore(logger *zap.Logger) *Store {
	return &Store{
		chunks: make(map[string]models.Chunk),
		logger: logger,
	}
}

// NewStoreWithMirror creates a store that forwards accepted chunks to a
// durable mirror. Mirror failures are logged, not propagated: durability is
// best-effort and never blocks ingestion.
func NewStoreWithMirror(mirror Mirror, logger *zap.Logger) *Store {
	s := NewStore(logger)
	s.mirror = mirror
	return s
}

// ChunkID computes the stable content address for a chunk. Identical
// (source, locator, text) tuples always yield the same id, which makes
// re-ingestion idempotent.
func ChunkID(source, locator, text string) string {
	prefix := text
	if len(prefix) > idPrefixLen {
		prefix = prefix[:idPrefixLen]
	}
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(locator))
	h.Write([]byte{0})
	h.Write([]byte(prefix))
	return hex.EncodeToString(h.Sum(nil))[:24]
}

// AddChunk registers a chunk and returns its content-addressed id.
// Re-adding an identical tuple is a no-op returning the existing id.
func (s *Store) AddChunk(source, locator, text string) string {
	id := ChunkID(source, locator, text)

	s.mu.Lock()
	_, exists := s.chunks[id]
	if !exists {
		s.chunks[id] = models.Chunk{
			ChunkID: id,
			Source:  source,
			Locator: locator,
			Text:    text,
		}
	}
	s.mu.Unlock()

	if !exists {
		metrics.EvidenceChunksAdded.Inc()
		if s.mirror != nil {
			if err := s.mirror.SaveChunk(models.Chunk{ChunkID: id, Source: source, Locator: locator, Text: text}); err != nil {
				s.logger.Warn("Evidence mirror write failed",
					zap.String("chunk_id", id),
					zap.Error(err),
				)
			}
		}
	}
	return id
}

// GetChunk returns the chunk for id, if present.
func (s *Store) GetChunk(id string) (models.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	return c, ok
}

// HasChunk reports whether id resolves in the store.
func (s *Store) HasChunk(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.chunks[id]
	return ok
}

// GetQuote returns the chunk's text clipped to maxLen runes, with a
// trailing ellipsis marker when clipped. Unknown ids yield "".
func (s *Store) GetQuote(id string, maxLen int) string {
	c, ok := s.GetChunk(id)
	if !ok {
		return ""
	}
	if maxLen <= 0 {
		return c.Text
	}
	runes := []rune(c.Text)
	if len(runes) <= maxLen {
		return c.Text
	}
	return string(runes[:maxLen]) + "..."
}

// Len returns the number of registered chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
