// Package rag indexes repository files as embeddings and retrieves relevant context for reviews.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/pinecone"
	log "github.com/sirupsen/logrus"
)

const (
	// MaxContentChars bounds the text sent to the embedding service per file.
	MaxContentChars = 8000
	// UpsertBatchSize bounds vectors per upsert request.
	UpsertBatchSize = 100
	// DefaultTopK is used when RetrieveContext gets a non-positive topK.
	DefaultTopK = 3
)

// ErrNothingIndexed is returned when every file of a non-empty input failed to embed.
var ErrNothingIndexed = errors.New("rag: no vectors produced")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex stores and queries vectors.
type VectorIndex interface {
	Upsert(ctx context.Context, namespace string, vectors []pinecone.Vector) error
	Query(ctx context.Context, namespace, repoID string, vector []float32, topK int) ([]pinecone.Match, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Document is one file to index.
type Document struct {
	Path    string
	Content string
}

// Indexer builds and queries per-repository vector namespaces.
type Indexer struct {
	embedder Embedder
	index    VectorIndex
}

// NewIndexer constructs an indexer.
func NewIndexer(embedder Embedder, index VectorIndex) *Indexer {
	return &Indexer{embedder: embedder, index: index}
}

// Namespace returns the vector namespace holding repoID's files.
func Namespace(repoID string) string {
	return "repo-" + repoID
}

// VectorID returns the stable vector ID for a file of a repository.
func VectorID(repoID, path string) string {
	return repoID + "-" + strings.ReplaceAll(path, "/", "_")
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// IndexRepository embeds docs and upserts them in batches. It returns the number of vectors written.
// Per-file embedding failures are logged and skipped.
func (i *Indexer) IndexRepository(ctx context.Context, repoID string, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	vectors, errEmbed := i.embed(ctx, repoID, docs)
	if errEmbed != nil {
		return 0, errEmbed
	}
	return i.write(ctx, repoID, len(docs), vectors)
}

// ReindexRepository replaces the namespace of repoID with docs. The previous vectors are
// dropped only once at least one new vector has been embedded, so a failed walk or an
// embedding outage leaves the old context in place.
func (i *Indexer) ReindexRepository(ctx context.Context, repoID string, docs []Document) (int, error) {
	if len(docs) == 0 {
		log.WithField("repo_id", repoID).Info("rag: nothing to index, keeping previous vectors")
		return 0, nil
	}
	vectors, errEmbed := i.embed(ctx, repoID, docs)
	if errEmbed != nil {
		return 0, errEmbed
	}
	if errDrop := i.DropRepository(ctx, repoID); errDrop != nil {
		log.WithError(errDrop).WithField("repo_id", repoID).Warn("rag: clearing previous vectors failed")
	}
	return i.write(ctx, repoID, len(docs), vectors)
}

func (i *Indexer) embed(ctx context.Context, repoID string, docs []Document) ([]pinecone.Vector, error) {
	vectors := make([]pinecone.Vector, 0, len(docs))
	for _, doc := range docs {
		if errCtx := ctx.Err(); errCtx != nil {
			return nil, errCtx
		}
		text := truncate(fmt.Sprintf("File: %s\n\n%s", doc.Path, doc.Content), MaxContentChars)
		values, errEmbed := i.embedder.Embed(ctx, text)
		if errEmbed != nil {
			log.WithError(errEmbed).WithFields(log.Fields{"repo_id": repoID, "path": doc.Path}).Warn("rag: embed file failed")
			continue
		}
		vectors = append(vectors, pinecone.Vector{
			ID:       VectorID(repoID, doc.Path),
			Values:   values,
			Metadata: pinecone.Metadata{RepoID: repoID, Path: doc.Path, Content: text},
		})
	}
	if len(vectors) == 0 {
		return nil, apperr.Upstream(fmt.Sprintf("indexing repository %s: all %d files failed to embed", repoID, len(docs)), ErrNothingIndexed)
	}
	return vectors, nil
}

func (i *Indexer) write(ctx context.Context, repoID string, files int, vectors []pinecone.Vector) (int, error) {
	namespace := Namespace(repoID)
	for start := 0; start < len(vectors); start += UpsertBatchSize {
		end := min(start+UpsertBatchSize, len(vectors))
		if errUpsert := i.index.Upsert(ctx, namespace, vectors[start:end]); errUpsert != nil {
			return start, errUpsert
		}
	}
	log.WithFields(log.Fields{"repo_id": repoID, "files": files, "vectors": len(vectors)}).Info("rag: repository indexed")
	return len(vectors), nil
}

// RetrieveContext returns the content of up to topK files most similar to query.
func (i *Indexer) RetrieveContext(ctx context.Context, query, repoID string, topK int) ([]string, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	values, errEmbed := i.embedder.Embed(ctx, query)
	if errEmbed != nil {
		return nil, errEmbed
	}
	matches, errQuery := i.index.Query(ctx, Namespace(repoID), repoID, values, topK)
	if errQuery != nil {
		return nil, errQuery
	}
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		if match.Metadata == nil || match.Metadata.Content == "" {
			continue
		}
		out = append(out, match.Metadata.Content)
	}
	return out, nil
}

// DropRepository removes every vector of repoID.
func (i *Indexer) DropRepository(ctx context.Context, repoID string) error {
	return i.index.DeleteNamespace(ctx, Namespace(repoID))
}
