package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// stubEmbedder returns a bag-of-characters embedding so that
// semantically similar strings (sharing characters) score higher under
// cosine similarity, without needing a real embedding model in tests.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec := make([]float64, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	m, err := New(dbPath, stubEmbedder{})
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestShortTermSetGetExpiry(t *testing.T) {
	m := newTestMemory(t)

	m.SetShortTerm("k", "v", time.Hour)
	got, ok := m.GetShortTerm("k")
	if !ok || got != "v" {
		t.Fatalf("expected v, got %v (ok=%v)", got, ok)
	}

	m.SetShortTerm("expired", "v", -time.Second)
	if _, ok := m.GetShortTerm("expired"); ok {
		t.Error("expected expired entry to be gone")
	}

	m.DeleteShortTerm("k")
	if _, ok := m.GetShortTerm("k"); ok {
		t.Error("expected deleted entry to be gone")
	}
}

func TestStoreAndSearchLongTermRanksBySimilarity(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	if _, err := m.StoreLongTerm(ctx, "invoice processing workflow", nil); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := m.StoreLongTerm(ctx, "completely unrelated weather forecast", nil); err != nil {
		t.Fatalf("store: %v", err)
	}

	results, err := m.SearchLongTerm(ctx, "invoice processing", 1)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Text != "invoice processing workflow" {
		t.Errorf("expected the invoice entry to rank first, got %q", results[0].Text)
	}
}
