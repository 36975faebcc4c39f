package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailorworks/tailor/runtime/pipeline/knowledge"
)

// fakeEmbedder maps text to fixed vectors so similarity is deterministic.
type fakeEmbedder struct {
	vectors map[string][]float64
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for n, text := range texts {
		vec, ok := f.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", text)
		}
		out[n] = vec
	}
	return out, nil
}

// fakeRedis implements the handful of commands the index issues against an
// in-memory hash/set store. Unimplemented Cmdable methods panic via the
// embedded nil interface.
type fakeRedis struct {
	redis.Cmdable
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (f *fakeRedis) TxPipeline() redis.Pipeliner {
	return &fakePipeliner{store: f}
}

func (f *fakeRedis) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	var members []string
	for m := range f.sets[key] {
		members = append(members, m)
	}
	return redis.NewStringSliceResult(members, nil)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	fields := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		fields[k] = v
	}
	return redis.NewMapStringStringResult(fields, nil)
}

type fakePipeliner struct {
	redis.Pipeliner
	store *fakeRedis
}

func (p *fakePipeliner) HSet(_ context.Context, key string, values ...any) *redis.IntCmd {
	fields, ok := values[0].(map[string]any)
	if !ok {
		return redis.NewIntResult(0, fmt.Errorf("unexpected HSet values %T", values[0]))
	}
	h := p.store.hashes[key]
	if h == nil {
		h = make(map[string]string)
		p.store.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = fmt.Sprint(v)
	}
	return redis.NewIntResult(int64(len(fields)), nil)
}

func (p *fakePipeliner) SAdd(_ context.Context, key string, members ...any) *redis.IntCmd {
	s := p.store.sets[key]
	if s == nil {
		s = make(map[string]struct{})
		p.store.sets[key] = s
	}
	for _, m := range members {
		s[fmt.Sprint(m)] = struct{}{}
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (p *fakePipeliner) Exec(_ context.Context) ([]redis.Cmder, error) {
	return nil, nil
}

func newTestIndex(t *testing.T) (*Index, *fakeRedis, *fakeEmbedder) {
	t.Helper()
	rdb := newFakeRedis()
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		"go services":     {1, 0},
		"frontend react":  {0, 1},
		"platform query":  {0.9, 0.1},
		"unrelated query": {0, 1},
	}}
	idx, err := New(rdb, embedder, Options{KeyPrefix: "test:kb", DefaultTopK: 5})
	require.NoError(t, err)
	return idx, rdb, embedder
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, &fakeEmbedder{}, Options{})
	require.Error(t, err)
	_, err = New(newFakeRedis(), nil, Options{})
	require.Error(t, err)
}

func TestUpsertStoresDocumentsAndVectors(t *testing.T) {
	idx, rdb, _ := newTestIndex(t)

	res, err := idx.Upsert(context.Background(), knowledge.UpsertRequest{
		Namespace: "run-1",
		Documents: []knowledge.Document{
			{ID: "cv", Content: "go services"},
			{ID: "posting", Content: "frontend react"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	hash := rdb.hashes["test:kb:run-1:doc:cv"]
	require.NotNil(t, hash)
	assert.Equal(t, "go services", hash["content"])
	var vec []float64
	require.NoError(t, json.Unmarshal([]byte(hash["vector"]), &vec))
	assert.Equal(t, []float64{1, 0}, vec)

	_, ok := rdb.sets["test:kb:run-1:ids"]["posting"]
	assert.True(t, ok)
}

func TestUpsertValidation(t *testing.T) {
	idx, _, _ := newTestIndex(t)

	_, err := idx.Upsert(context.Background(), knowledge.UpsertRequest{})
	require.Error(t, err)

	res, err := idx.Upsert(context.Background(), knowledge.UpsertRequest{Namespace: "run-1"})
	require.NoError(t, err)
	assert.Zero(t, res.Count)

	_, err = idx.Upsert(context.Background(), knowledge.UpsertRequest{
		Namespace: "run-1",
		Documents: []knowledge.Document{{Content: "no id"}},
	})
	require.Error(t, err)
}

func TestSimilaritySearchRanksByCosine(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	_, err := idx.Upsert(context.Background(), knowledge.UpsertRequest{
		Namespace: "run-1",
		Documents: []knowledge.Document{
			{ID: "cv", Content: "go services"},
			{ID: "posting", Content: "frontend react"},
		},
	})
	require.NoError(t, err)

	hits, err := idx.SimilaritySearch(context.Background(), knowledge.SearchRequest{
		Namespace: "run-1",
		Query:     "platform query",
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "cv", hits[0].ID)
	assert.Equal(t, "posting", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	// TopK truncates after ranking.
	hits, err = idx.SimilaritySearch(context.Background(), knowledge.SearchRequest{
		Namespace: "run-1",
		Query:     "platform query",
		TopK:      1,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "cv", hits[0].ID)
}

func TestSimilaritySearchEmptyNamespace(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	hits, err := idx.SimilaritySearch(context.Background(), knowledge.SearchRequest{
		Namespace: "missing",
		Query:     "platform query",
	})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSimilaritySearchEmptyQuery(t *testing.T) {
	idx, _, _ := newTestIndex(t)
	_, err := idx.SimilaritySearch(context.Background(), knowledge.SearchRequest{Namespace: "run-1"})
	assert.ErrorIs(t, err, knowledge.ErrEmptyQuery)
}

func TestSimilaritySearchSkipsPartiallyDeleted(t *testing.T) {
	idx, rdb, _ := newTestIndex(t)
	_, err := idx.Upsert(context.Background(), knowledge.UpsertRequest{
		Namespace: "run-1",
		Documents: []knowledge.Document{{ID: "cv", Content: "go services"}},
	})
	require.NoError(t, err)

	// An id left in the set without its hash is skipped, not an error.
	rdb.sets["test:kb:run-1:ids"]["ghost"] = struct{}{}

	hits, err := idx.SimilaritySearch(context.Background(), knowledge.SearchRequest{
		Namespace: "run-1",
		Query:     "platform query",
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "cv", hits[0].ID)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1, cosineSimilarity([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Zero(t, cosineSimilarity(nil, nil))
	assert.Zero(t, cosineSimilarity([]float64{0, 0}, []float64{1, 1}))
}
