// Package redis provides a knowledge.Index backed by Redis. Documents and
// their embedding vectors are stored per namespace; similarity search embeds
// the query and ranks stored vectors by cosine similarity.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/tailorworks/tailor/runtime/pipeline/knowledge"
)

type (
	// Embedder converts text into embedding vectors. Satisfied by the OpenAI
	// embedder in features/knowledge/openai.
	Embedder interface {
		Embed(ctx context.Context, texts []string) ([][]float64, error)
	}

	// Options configures the index.
	Options struct {
		// KeyPrefix namespaces all Redis keys written by the index. Empty
		// means "tailor:kb".
		KeyPrefix string

		// DefaultTopK is used when a search request does not set TopK. Zero
		// means 5.
		DefaultTopK int
	}

	// Index implements knowledge.Index on Redis.
	Index struct {
		rdb      redis.Cmdable
		embedder Embedder
		prefix   string
		topK     int
	}
)

// New builds a Redis-backed knowledge index. The client can be any go-redis
// Cmdable (single node, cluster, or a test double).
func New(rdb redis.Cmdable, embedder Embedder, opts Options) (*Index, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "tailor:kb"
	}
	topK := opts.DefaultTopK
	if topK <= 0 {
		topK = 5
	}
	return &Index{rdb: rdb, embedder: embedder, prefix: prefix, topK: topK}, nil
}

// Upsert embeds the documents and stores them under the namespace. Existing
// entries with the same ids are replaced.
func (i *Index) Upsert(ctx context.Context, req knowledge.UpsertRequest) (*knowledge.UpsertResult, error) {
	if req.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if len(req.Documents) == 0 {
		return &knowledge.UpsertResult{}, nil
	}

	texts := make([]string, len(req.Documents))
	for n, doc := range req.Documents {
		if doc.ID == "" {
			return nil, errors.New("document id is required")
		}
		texts[n] = doc.Content
	}
	vectors, err := i.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	pipe := i.rdb.TxPipeline()
	for n, doc := range req.Documents {
		vec, err := json.Marshal(vectors[n])
		if err != nil {
			return nil, fmt.Errorf("encode vector for %q: %w", doc.ID, err)
		}
		pipe.HSet(ctx, i.docKey(req.Namespace, doc.ID), map[string]any{
			"content": doc.Content,
			"vector":  string(vec),
		})
		pipe.SAdd(ctx, i.idsKey(req.Namespace), doc.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis upsert: %w", err)
	}
	return &knowledge.UpsertResult{Count: len(req.Documents)}, nil
}

// SimilaritySearch embeds the query and returns the top-k stored documents by
// cosine similarity, most similar first.
func (i *Index) SimilaritySearch(ctx context.Context, req knowledge.SearchRequest) ([]knowledge.Hit, error) {
	if req.Namespace == "" {
		return nil, errors.New("namespace is required")
	}
	if req.Query == "" {
		return nil, knowledge.ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = i.topK
	}

	ids, err := i.rdb.SMembers(ctx, i.idsKey(req.Namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members: %w", err)
	}
	if len(ids) == 0 {
		return []knowledge.Hit{}, nil
	}
	sort.Strings(ids)

	vectors, err := i.embedder.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, err
	}
	query := vectors[0]

	hits := make([]knowledge.Hit, 0, len(ids))
	for _, id := range ids {
		fields, err := i.rdb.HGetAll(ctx, i.docKey(req.Namespace, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis load %q: %w", id, err)
		}
		if len(fields) == 0 {
			// Set member without a hash means a partially deleted document.
			continue
		}
		var vec []float64
		if err := json.Unmarshal([]byte(fields["vector"]), &vec); err != nil {
			return nil, fmt.Errorf("decode vector for %q: %w", id, err)
		}
		hits = append(hits, knowledge.Hit{
			ID:      id,
			Content: fields["content"],
			Score:   cosineSimilarity(query, vec),
		})
	}

	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (i *Index) docKey(namespace, id string) string {
	return i.prefix + ":" + namespace + ":doc:" + id
}

func (i *Index) idsKey(namespace string) string {
	return i.prefix + ":" + namespace + ":ids"
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for n := range a {
		dot += a[n] * b[n]
		na += a[n] * a[n]
		nb += b[n] * b[n]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
