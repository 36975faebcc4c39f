package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

// fakeCollection applies the store's upsert semantics against an in-memory
// map so the document shape and operator usage are exercised without a server.
type fakeCollection struct {
	docs    map[string]runDocument
	indexed []mongodriver.IndexModel
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]runDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	runID := filterRunID(filter)
	doc, ok := c.docs[runID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any, _ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	runID := filterRunID(filter)
	u := update.(bson.M)
	set := u["$set"].(bson.M)
	doc, exists := c.docs[runID]
	if !exists {
		onInsert := u["$setOnInsert"].(bson.M)
		doc = runDocument{
			RunID:     onInsert["run_id"].(string),
			StartedAt: onInsert["started_at"].(time.Time),
		}
	}
	doc.Task = set["task"].(run.Task)
	doc.Stage = set["stage"].(run.Stage)
	doc.Status = set["status"].(run.Status)
	doc.UpdatedAt = set["updated_at"].(time.Time)
	if labels, ok := set["labels"].(map[string]string); ok {
		doc.Labels = labels
	}
	c.docs[runID] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{coll: c}
}

type fakeIndexView struct {
	coll *fakeCollection
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel, _ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	v.coll.indexed = append(v.coll.indexed, model)
	return "run_id_1", nil
}

type fakeSingleResult struct {
	doc runDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*(val.(*runDocument)) = r.doc
	return nil
}

func filterRunID(filter any) string {
	id, _ := filter.(bson.M)["run_id"].(string)
	return id
}

func newTestStore(t *testing.T) (*store, *fakeCollection) {
	t.Helper()
	coll := newFakeCollection()
	s, err := newStoreWithCollection(nil, coll, time.Second)
	require.NoError(t, err)
	return s, coll
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	s, coll := newTestStore(t)

	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(context.Background(), run.Record{
		RunID:     "run-1",
		Task:      run.TaskResumePipeline,
		Stage:     run.StageIngestion,
		Status:    run.StatusInProgress,
		StartedAt: started,
		UpdatedAt: started,
		Labels:    map[string]string{"team": "talent"},
	}))

	require.NoError(t, s.Upsert(context.Background(), run.Record{
		RunID:     "run-1",
		Task:      run.TaskResumePipeline,
		Stage:     run.StageDone,
		Status:    run.StatusComplete,
		StartedAt: started.Add(time.Hour), // must not overwrite the original
		UpdatedAt: started.Add(time.Hour),
	}))

	doc := coll.docs["run-1"]
	assert.Equal(t, run.StageDone, doc.Stage)
	assert.Equal(t, run.StatusComplete, doc.Status)
	assert.Equal(t, started, doc.StartedAt)
	assert.Equal(t, started.Add(time.Hour), doc.UpdatedAt)
}

func TestUpsertRequiresRunID(t *testing.T) {
	s, _ := newTestStore(t)
	require.Error(t, s.Upsert(context.Background(), run.Record{}))
}

func TestUpsertDefaultsTimestamps(t *testing.T) {
	s, coll := newTestStore(t)
	require.NoError(t, s.Upsert(context.Background(), run.Record{
		RunID: "run-1",
		Task:  run.TaskIngest,
		Stage: run.StageIngestion,
	}))
	doc := coll.docs["run-1"]
	assert.False(t, doc.StartedAt.IsZero())
	assert.False(t, doc.UpdatedAt.IsZero())
}

func TestLoad(t *testing.T) {
	s, _ := newTestStore(t)
	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(context.Background(), run.Record{
		RunID:     "run-1",
		Task:      run.TaskDraft,
		Stage:     run.StageDrafting,
		Status:    run.StatusInProgress,
		StartedAt: started,
		UpdatedAt: started,
		Labels:    map[string]string{"team": "talent"},
	}))

	rec, err := s.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.TaskDraft, rec.Task)
	assert.Equal(t, run.StageDrafting, rec.Stage)
	assert.Equal(t, "talent", rec.Labels["team"])

	_, err = s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, run.ErrNotFound)

	_, err = s.Load(context.Background(), "")
	require.Error(t, err)
}

func TestEnsureIndexes(t *testing.T) {
	coll := newFakeCollection()
	require.NoError(t, ensureIndexes(context.Background(), coll))
	require.Len(t, coll.indexed, 1)
	keys := coll.indexed[0].Keys.(bson.D)
	require.Len(t, keys, 1)
	assert.Equal(t, "run_id", keys[0].Key)
}

func TestStoreName(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, "run-mongo", s.Name())
}
