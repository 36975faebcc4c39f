// Package mongo provides a publish.Sink backed by MongoDB. Persist is keyed
// by run id so activity retries upsert the same document instead of creating
// duplicates.
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

	"github.com/tailorworks/tailor/runtime/pipeline/publish"
)

const (
	defaultArtifactsCollection = "published_resumes"
	defaultOpTimeout           = 5 * time.Second
	sinkClientName             = "publish-mongo"
)

// Sink exposes Mongo-backed artifact persistence. It implements publish.Sink
// and clue's health.Pinger.
type Sink interface {
	health.Pinger
	publish.Sink
}

// Options configures the Mongo publish sink.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type sink struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Sink backed by MongoDB.
func New(opts Options) (Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultArtifactsCollection
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
	return newSinkWithCollection(opts.Client, wrapper, timeout)
}

func (s *sink) Name() string {
	return sinkClientName
}

func (s *sink) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Persist upserts the artifact document keyed by run id and returns the
// stored reference. Re-running with the same content returns the original
// stored_at, so retries observe the first successful write.
func (s *sink) Persist(ctx context.Context, req publish.PersistRequest) (*publish.ArtifactRef, error) {
	if req.RunID == "" {
		return nil, errors.New("run id is required")
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	if req.Checksum == "" {
		return nil, errors.New("checksum is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	artifactID := "resume-" + req.RunID
	filter := bson.M{"run_id": req.RunID}
	update := bson.M{
		"$set": bson.M{
			"content":  req.Content,
			"checksum": req.Checksum,
		},
		"$setOnInsert": bson.M{
			"artifact_id": artifactID,
			"run_id":      req.RunID,
			"stored_at":   now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc artifactDocument
	if err := s.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, err
	}
	return &publish.ArtifactRef{
		ID:       doc.ArtifactID,
		Checksum: doc.Checksum,
		StoredAt: doc.StoredAt,
	}, nil
}

func (s *sink) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type artifactDocument struct {
	ArtifactID string    `bson:"artifact_id"`
	RunID      string    `bson:"run_id"`
	Content    string    `bson:"content"`
	Checksum   string    `bson:"checksum"`
	StoredAt   time.Time `bson:"stored_at"`
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newSinkWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*sink, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &sink{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult
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

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
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
