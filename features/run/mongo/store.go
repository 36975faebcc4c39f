// Package mongo provides a run.Store backed by MongoDB.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/tailorworks/tailor/runtime/pipeline/run"
)

const (
	defaultRunsCollection = "pipeline_runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Store exposes Mongo-backed operations for run records. It implements
// run.Store and clue's health.Pinger so the health endpoint can report the
// database status.
type Store interface {
	health.Pinger
	run.Store
}

// Options configures the Mongo run store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type store struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Store backed by MongoDB.
func New(opts Options) (Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, wrapper, timeout)
}

func (s *store) Name() string {
	return runClientName
}

func (s *store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Upsert stores or replaces the record keyed by its run id. The started_at
// field is written once on insert so later updates cannot shift it.
func (s *store) Upsert(ctx context.Context, record run.Record) error {
	if record.RunID == "" {
		return errors.New("run id is required")
	}
	now := time.Now().UTC()
	if record.StartedAt.IsZero() {
		record.StartedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	doc := fromRecord(record)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": record.RunID}
	update := bson.M{
		"$set": bson.M{
			"task":       doc.Task,
			"stage":      doc.Stage,
			"status":     doc.Status,
			"updated_at": doc.UpdatedAt,
			"labels":     doc.Labels,
		},
		"$setOnInsert": bson.M{
			"run_id":     doc.RunID,
			"started_at": doc.StartedAt,
		},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// Load returns the record for the given run id, or run.ErrNotFound.
func (s *store) Load(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	var doc runDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, run.ErrNotFound
		}
		return run.Record{}, err
	}
	return doc.toRecord(), nil
}

func (s *store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type runDocument struct {
	RunID     string            `bson:"run_id"`
	Task      run.Task          `bson:"task"`
	Stage     run.Stage         `bson:"stage"`
	Status    run.Status        `bson:"status"`
	StartedAt time.Time         `bson:"started_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
	Labels    map[string]string `bson:"labels,omitempty"`
}

func fromRecord(record run.Record) runDocument {
	return runDocument{
		RunID:     record.RunID,
		Task:      record.Task,
		Stage:     record.Stage,
		Status:    record.Status,
		StartedAt: record.StartedAt.UTC(),
		UpdatedAt: record.UpdatedAt.UTC(),
		Labels:    cloneLabels(record.Labels),
	}
}

func (doc runDocument) toRecord() run.Record {
	return run.Record{
		RunID:     doc.RunID,
		Task:      doc.Task,
		Stage:     doc.Stage,
		Status:    doc.Status,
		StartedAt: doc.StartedAt,
		UpdatedAt: doc.UpdatedAt,
		Labels:    cloneLabels(doc.Labels),
	}
}

func cloneLabels(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &store{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
