// Package memory implements the Context Memory component (C12): short-term
// scratch state for an in-flight job and long-term, semantically searchable
// recall of past job text (plans, results, operator notes). Supplements
// spec.md's core with a feature present in original_source's
// scheduler/memory/{context_memory,embedding_service}.py but dropped from
// the distilled spec: agents recalling similar past work before planning.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one long-term memory record.
type Entry struct {
	ID        string         `json:"id" db:"id"`
	Text      string         `json:"text" db:"text"`
	Embedding []float64      `json:"embedding" db:"-"`
	Metadata  map[string]any `json:"metadata" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

type entryRow struct {
	ID        string    `db:"id"`
	Text      string    `db:"text"`
	Embedding string    `db:"embedding"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

// EmbeddingProvider generates vector representations of text. It is the
// same external-collaborator shape internal/planner.Collaborator uses:
// an interface orbital depends on, never a specific vendor SDK, so the
// LLM vendor stays a Non-goal (spec.md §5) while the capability it backs
// is still implemented.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// shortTermEntry is one in-process scratch value with an expiry.
type shortTermEntry struct {
	value   any
	expires time.Time
}

// Memory is the Context Memory component: an in-process TTL cache for
// short-term scratch values plus a SQLite-backed long-term store searched
// by cosine similarity over embeddings. Grounded on
// scheduler/memory/context_memory.py's ContextMemory, which splits the
// same two concerns across Redis (short-term) and SQLite (long-term); the
// in-process map replaces Redis here since neither the teacher nor any
// other pack repo's go.mod this codebase draws from carries a Redis
// client, and a single-process orchestrator has no need for a shared
// external cache (see DESIGN.md).
type Memory struct {
	db       *sqlx.DB
	embedder EmbeddingProvider

	mu        sync.Mutex
	shortTerm map[string]shortTermEntry
}

const memorySchemaSQL = `
CREATE TABLE IF NOT EXISTS long_term_memory (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	embedding TEXT NOT NULL,
	metadata TEXT DEFAULT '{}',
	created_at DATETIME NOT NULL
);
`

// New opens (creating if necessary) a long-term memory database at dbPath
// and returns a Memory ready to serve both short- and long-term calls.
func New(dbPath string, embedder EmbeddingProvider) (*Memory, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("memory: open database: %w", err)
	}
	if _, err := db.Exec(memorySchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: init schema: %w", err)
	}

	return &Memory{
		db:        db,
		embedder:  embedder,
		shortTerm: make(map[string]shortTermEntry),
	}, nil
}

// Close releases the underlying database handle.
func (m *Memory) Close() error {
	return m.db.Close()
}

// SetShortTerm stores value under key for the given ttl. Expired entries
// are reclaimed lazily on the next Get/Delete/Set that touches the same
// key, matching the teacher's lazy-expiry idiom elsewhere (no background
// sweep goroutine).
func (m *Memory) SetShortTerm(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shortTerm[key] = shortTermEntry{value: value, expires: time.Now().Add(ttl)}
}

// GetShortTerm retrieves a value previously set with SetShortTerm, if it
// hasn't expired.
func (m *Memory) GetShortTerm(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.shortTerm[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(m.shortTerm, key)
		return nil, false
	}
	return entry.value, true
}

// DeleteShortTerm removes key from short-term memory.
func (m *Memory) DeleteShortTerm(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shortTerm, key)
}

// StoreLongTerm embeds text and persists it for later semantic recall,
// returning the assigned entry ID.
func (m *Memory) StoreLongTerm(ctx context.Context, text string, metadata map[string]any) (string, error) {
	embedding, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("memory: embed text: %w", err)
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return "", fmt.Errorf("memory: marshal embedding: %w", err)
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("memory: marshal metadata: %w", err)
	}

	id := "mem_" + time.Now().UTC().Format("20060102150405.000000")
	row := entryRow{
		ID:        id,
		Text:      text,
		Embedding: string(embeddingJSON),
		Metadata:  string(metadataJSON),
		CreatedAt: time.Now().UTC(),
	}
	_, err = m.db.NamedExecContext(ctx,
		`INSERT INTO long_term_memory (id, text, embedding, metadata, created_at)
		 VALUES (:id, :text, :embedding, :metadata, :created_at)`, row)
	if err != nil {
		return "", fmt.Errorf("memory: insert entry: %w", err)
	}
	return id, nil
}

// SearchLongTerm returns the limit entries whose embeddings are most
// cosine-similar to query's embedding, most similar first.
func (m *Memory) SearchLongTerm(ctx context.Context, query string, limit int) ([]Entry, error) {
	queryEmbedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	var rows []entryRow
	if err := m.db.SelectContext(ctx, &rows, `SELECT id, text, embedding, metadata, created_at FROM long_term_memory`); err != nil {
		return nil, fmt.Errorf("memory: select entries: %w", err)
	}

	type scored struct {
		entry      Entry
		similarity float64
	}
	candidates := make([]scored, 0, len(rows))
	for _, row := range rows {
		var embedding []float64
		if err := json.Unmarshal([]byte(row.Embedding), &embedding); err != nil {
			continue
		}
		var metadata map[string]any
		_ = json.Unmarshal([]byte(row.Metadata), &metadata)

		candidates = append(candidates, scored{
			entry: Entry{
				ID:        row.ID,
				Text:      row.Text,
				Embedding: embedding,
				Metadata:  metadata,
				CreatedAt: row.CreatedAt,
			},
			similarity: cosineSimilarity(queryEmbedding, embedding),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})

	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}
	results := make([]Entry, len(candidates))
	for i, c := range candidates {
		results[i] = c.entry
	}
	return results, nil
}

// HashEmbedder is a dependency-free EmbeddingProvider: a 256-bucket
// character n-gram histogram, normalized to unit length. It has none of a
// real embedding model's semantics, but gives SearchLongTerm a working
// default the same way internal/planner ships with no LLM-assisted
// Collaborator wired — callers that want real semantic recall plug in an
// EmbeddingProvider backed by whatever embedding API they use, without
// Memory's storage/ranking logic changing at all.
type HashEmbedder struct{}

// Embed implements EmbeddingProvider.
func (HashEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	const buckets = 256
	vec := make([]float64, buckets)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		gram := string(runes[i])
		if i+1 < len(runes) {
			gram = string(runes[i : i+2])
		}
		h := fnv32(gram)
		vec[h%buckets]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
