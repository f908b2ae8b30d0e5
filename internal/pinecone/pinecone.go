// Package pinecone adapts a Pinecone serverless index to the repository-context store.
package pinecone

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	pc "github.com/pinecone-io/go-pinecone/pinecone"
	"github.com/reviewyai/reviewy/internal/apperr"
	"github.com/reviewyai/reviewy/internal/upstream"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const upsertBatchSize = 100

// Metadata is stored alongside each vector.
type Metadata struct {
	RepoID  string `json:"repoId"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Vector is one record in the index.
type Vector struct {
	ID       string
	Values   []float32
	Metadata Metadata
}

// Match is one query result.
type Match struct {
	ID       string
	Score    float32
	Metadata *Metadata
}

// conn is the subset of a namespace-scoped index connection used here.
type conn interface {
	UpsertVectors(ctx context.Context, in []*pc.Vector) (uint32, error)
	QueryByVectorValues(ctx context.Context, in *pc.QueryByVectorValuesRequest) (*pc.QueryVectorsResponse, error)
	DeleteAllVectorsInNamespace(ctx context.Context) error
	Close() error
}

// Index talks to one index host, one connection per namespace.
type Index struct {
	host   string
	dial   func(namespace string) (conn, error)
	policy upstream.Policy

	mu    sync.Mutex
	conns map[string]conn
}

// NewIndex creates an index client. host may carry a scheme.
func NewIndex(apiKey, host string, httpCli *http.Client) (*Index, error) {
	host = normalizeHost(host)
	if host == "" {
		return nil, fmt.Errorf("pinecone: index host is not set")
	}
	if httpCli == nil {
		httpCli = &http.Client{Timeout: 60 * time.Second}
	}
	client, errClient := pc.NewClient(pc.NewClientParams{ApiKey: apiKey, RestClient: httpCli, SourceTag: "reviewy"})
	if errClient != nil {
		return nil, fmt.Errorf("pinecone: %w", errClient)
	}
	index := newIndex(host, func(namespace string) (conn, error) {
		return client.Index(pc.NewIndexConnParams{Host: host, Namespace: namespace})
	})
	return index, nil
}

func newIndex(host string, dial func(string) (conn, error)) *Index {
	return &Index{
		host:   host,
		dial:   dial,
		policy: upstream.Policy{MaxRetries: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 10 * time.Second},
		conns:  make(map[string]conn),
	}
}

func normalizeHost(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	host = strings.TrimPrefix(host, "https://")
	return strings.TrimPrefix(host, "http://")
}

func (i *Index) namespace(ns string) (conn, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if c, ok := i.conns[ns]; ok {
		return c, nil
	}
	c, errDial := i.dial(ns)
	if errDial != nil {
		return nil, apperr.Upstream("vector index connection failed", errDial)
	}
	i.conns[ns] = c
	return c, nil
}

// Close releases every open namespace connection.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	var firstErr error
	for ns, c := range i.conns {
		if errClose := c.Close(); errClose != nil && firstErr == nil {
			firstErr = errClose
		}
		delete(i.conns, ns)
	}
	return firstErr
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
		return true
	default:
		return false
	}
}

func toMetadata(m Metadata) (*pc.Metadata, error) {
	return structpb.NewStruct(map[string]any{
		"repoId":  m.RepoID,
		"path":    m.Path,
		"content": m.Content,
	})
}

func fromMetadata(s *pc.Metadata) *Metadata {
	if s == nil {
		return nil
	}
	fields := s.GetFields()
	return &Metadata{
		RepoID:  fields["repoId"].GetStringValue(),
		Path:    fields["path"].GetStringValue(),
		Content: fields["content"].GetStringValue(),
	}
}

// Upsert writes vectors into namespace.
func (i *Index) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	c, errConn := i.namespace(namespace)
	if errConn != nil {
		return errConn
	}
	records := make([]*pc.Vector, 0, len(vectors))
	for _, v := range vectors {
		meta, errMeta := toMetadata(v.Metadata)
		if errMeta != nil {
			return fmt.Errorf("pinecone: metadata for %s: %w", v.ID, errMeta)
		}
		records = append(records, &pc.Vector{Id: v.ID, Values: v.Values, Metadata: meta})
	}
	for start := 0; start < len(records); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(records))
		batch := records[start:end]
		errUpsert := i.policy.Retry(ctx, retryable, func() error {
			_, err := c.UpsertVectors(ctx, batch)
			return err
		})
		if errUpsert != nil {
			return apperr.Upstream("vector upsert failed", errUpsert)
		}
	}
	return nil
}

// Query returns the topK nearest vectors in namespace whose metadata repoId equals repoID.
func (i *Index) Query(ctx context.Context, namespace, repoID string, vector []float32, topK int) ([]Match, error) {
	c, errConn := i.namespace(namespace)
	if errConn != nil {
		return nil, errConn
	}
	req := &pc.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(max(topK, 1)),
		IncludeMetadata: true,
	}
	if repoID != "" {
		filter, errFilter := structpb.NewStruct(map[string]any{"repoId": map[string]any{"$eq": repoID}})
		if errFilter != nil {
			return nil, fmt.Errorf("pinecone: filter: %w", errFilter)
		}
		req.MetadataFilter = filter
	}

	var resp *pc.QueryVectorsResponse
	errQuery := i.policy.Retry(ctx, retryable, func() error {
		var err error
		resp, err = c.QueryByVectorValues(ctx, req)
		return err
	})
	if errQuery != nil {
		return nil, apperr.Upstream("vector query failed", errQuery)
	}
	if resp == nil {
		return nil, nil
	}
	matches := make([]Match, 0, len(resp.Matches))
	for _, scored := range resp.Matches {
		if scored == nil || scored.Vector == nil {
			continue
		}
		matches = append(matches, Match{
			ID:       scored.Vector.Id,
			Score:    scored.Score,
			Metadata: fromMetadata(scored.Vector.Metadata),
		})
	}
	return matches, nil
}

// DeleteNamespace removes every vector in namespace. A missing namespace is not an error.
func (i *Index) DeleteNamespace(ctx context.Context, namespace string) error {
	c, errConn := i.namespace(namespace)
	if errConn != nil {
		return errConn
	}
	errDelete := i.policy.Retry(ctx, retryable, func() error {
		return c.DeleteAllVectorsInNamespace(ctx)
	})
	if errDelete != nil {
		if status.Code(errDelete) == codes.NotFound {
			return nil
		}
		return apperr.Upstream("vector delete failed", errDelete)
	}
	return nil
}
