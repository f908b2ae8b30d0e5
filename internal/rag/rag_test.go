package rag

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/reviewyai/reviewy/internal/pinecone"
)

// wordEmbedder maps text onto a bag-of-words vector over a fixed vocabulary.
type wordEmbedder struct {
	vocab []string
	fail  map[string]bool
	calls int
}

func (e *wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	for marker := range e.fail {
		if strings.Contains(text, marker) {
			return nil, errors.New("embedding quota exhausted")
		}
	}
	out := make([]float32, len(e.vocab))
	lower := strings.ToLower(text)
	for i, word := range e.vocab {
		if strings.Contains(lower, word) {
			out[i] = 1
		}
	}
	return out, nil
}

type memoryIndex struct {
	mu      sync.Mutex
	spaces  map[string]map[string]pinecone.Vector
	batches []int
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{spaces: map[string]map[string]pinecone.Vector{}}
}

func (m *memoryIndex) Upsert(_ context.Context, namespace string, vectors []pinecone.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, len(vectors))
	space := m.spaces[namespace]
	if space == nil {
		space = map[string]pinecone.Vector{}
		m.spaces[namespace] = space
	}
	for _, v := range vectors {
		space[v.ID] = v
	}
	return nil
}

func (m *memoryIndex) Query(_ context.Context, namespace, repoID string, vector []float32, topK int) ([]pinecone.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []pinecone.Match
	for _, v := range m.spaces[namespace] {
		if v.Metadata.RepoID != repoID {
			continue
		}
		meta := v.Metadata
		matches = append(matches, pinecone.Match{ID: v.ID, Score: cosine(vector, v.Values), Metadata: &meta})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (m *memoryIndex) DeleteNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces, namespace)
	return nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func TestIndexThenRetrieveRoundTrip(t *testing.T) {
	embedder := &wordEmbedder{vocab: []string{"hello", "world", "png"}}
	index := newMemoryIndex()
	indexer := NewIndexer(embedder, index)
	ctx := context.Background()

	// Binary files never reach the indexer; the content fetcher filters them.
	docs := []Document{{Path: "a.txt", Content: "hello"}, {Path: "dir/c.md", Content: "world"}}
	written, errIndex := indexer.IndexRepository(ctx, "7", docs)
	if errIndex != nil {
		t.Fatalf("index: %v", errIndex)
	}
	if written != 2 {
		t.Fatalf("expected 2 vectors, got %d", written)
	}
	if _, ok := index.spaces[Namespace("7")][VectorID("7", "dir/c.md")]; !ok {
		t.Fatalf("expected sanitized vector id %q", VectorID("7", "dir/c.md"))
	}

	got, errRetrieve := indexer.RetrieveContext(ctx, "hello", "7", 1)
	if errRetrieve != nil {
		t.Fatalf("retrieve: %v", errRetrieve)
	}
	if len(got) != 1 || !strings.Contains(got[0], "hello") || !strings.Contains(got[0], "File: a.txt") {
		t.Fatalf("unexpected context %q", got)
	}
	for _, text := range got {
		if strings.Contains(text, "b.png") {
			t.Fatalf("binary file leaked into context")
		}
	}
}

func TestIndexSkipsFailedFilesButFailsWhenNothingIndexed(t *testing.T) {
	embedder := &wordEmbedder{vocab: []string{"hello"}, fail: map[string]bool{"broken": true}}
	indexer := NewIndexer(embedder, newMemoryIndex())
	ctx := context.Background()

	written, errIndex := indexer.IndexRepository(ctx, "7", []Document{
		{Path: "broken.go", Content: "x"},
		{Path: "ok.go", Content: "hello"},
	})
	if errIndex != nil || written != 1 {
		t.Fatalf("expected partial success, written=%d err=%v", written, errIndex)
	}

	_, errIndex = indexer.IndexRepository(ctx, "7", []Document{{Path: "broken.go", Content: "x"}})
	if !errors.Is(errIndex, ErrNothingIndexed) {
		t.Fatalf("expected ErrNothingIndexed, got %v", errIndex)
	}

	if written, errIndex := indexer.IndexRepository(ctx, "7", nil); errIndex != nil || written != 0 {
		t.Fatalf("expected empty input to be a no-op, written=%d err=%v", written, errIndex)
	}
}

func TestReindexKeepsOldVectorsUntilNewOnesExist(t *testing.T) {
	embedder := &wordEmbedder{vocab: []string{"hello", "world"}}
	index := newMemoryIndex()
	indexer := NewIndexer(embedder, index)
	ctx := context.Background()

	if _, errIndex := indexer.IndexRepository(ctx, "7", []Document{{Path: "old.txt", Content: "hello"}}); errIndex != nil {
		t.Fatalf("index: %v", errIndex)
	}

	embedder.fail = map[string]bool{"File:": true}
	if _, errReindex := indexer.ReindexRepository(ctx, "7", []Document{{Path: "new.txt", Content: "world"}}); !errors.Is(errReindex, ErrNothingIndexed) {
		t.Fatalf("expected ErrNothingIndexed, got %v", errReindex)
	}
	if _, ok := index.spaces[Namespace("7")][VectorID("7", "old.txt")]; !ok {
		t.Fatalf("embedding outage dropped the previous vectors")
	}

	if written, errReindex := indexer.ReindexRepository(ctx, "7", nil); errReindex != nil || written != 0 {
		t.Fatalf("expected empty walk to be a no-op, written=%d err=%v", written, errReindex)
	}
	if len(index.spaces[Namespace("7")]) != 1 {
		t.Fatalf("empty walk dropped the previous vectors")
	}

	embedder.fail = nil
	written, errReindex := indexer.ReindexRepository(ctx, "7", []Document{{Path: "new.txt", Content: "world"}})
	if errReindex != nil || written != 1 {
		t.Fatalf("reindex: written=%d err=%v", written, errReindex)
	}
	space := index.spaces[Namespace("7")]
	if _, ok := space[VectorID("7", "old.txt")]; ok {
		t.Fatalf("stale vector survived a successful reindex")
	}
	if _, ok := space[VectorID("7", "new.txt")]; !ok {
		t.Fatalf("new vector missing after reindex")
	}
}

func TestIndexBatchesAndTruncates(t *testing.T) {
	embedder := &wordEmbedder{vocab: []string{"x"}}
	index := newMemoryIndex()
	indexer := NewIndexer(embedder, index)

	docs := make([]Document, 0, 250)
	for i := 0; i < 250; i++ {
		docs = append(docs, Document{Path: "f" + strings.Repeat("x", i%5) + string(rune('a'+i%26)) + "/" + string(rune('A'+i/26)), Content: strings.Repeat("x", 9000)})
	}
	if _, errIndex := indexer.IndexRepository(context.Background(), "9", docs); errIndex != nil {
		t.Fatalf("index: %v", errIndex)
	}
	if len(index.batches) != 3 || index.batches[0] != 100 || index.batches[2] != 50 {
		t.Fatalf("unexpected batches %v", index.batches)
	}
	for _, v := range index.spaces[Namespace("9")] {
		if n := len([]rune(v.Metadata.Content)); n != MaxContentChars {
			t.Fatalf("expected content truncated to %d, got %d", MaxContentChars, n)
		}
	}
}

func TestRetrieveDropsMatchesWithoutContent(t *testing.T) {
	embedder := &wordEmbedder{vocab: []string{"hello"}}
	index := newMemoryIndex()
	_ = index.Upsert(context.Background(), Namespace("7"), []pinecone.Vector{
		{ID: "7-a", Values: []float32{1}, Metadata: pinecone.Metadata{RepoID: "7", Path: "a", Content: "hello"}},
		{ID: "7-b", Values: []float32{1}, Metadata: pinecone.Metadata{RepoID: "7", Path: "b"}},
	})

	got, errRetrieve := NewIndexer(embedder, index).RetrieveContext(context.Background(), "hello", "7", 0)
	if errRetrieve != nil {
		t.Fatalf("retrieve: %v", errRetrieve)
	}
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected context %q", got)
	}
}
