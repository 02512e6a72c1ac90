// Package mongo is the MongoDB-backed Checkpoint Store, grounded on the
// teacher's run-store client: a thin wrapper around the driver exposing
// exactly the operations the Checkpoint Store contract needs, with indexes
// and collection/single-result wrapping kept private for testability.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/convoclassify/agent/internal/checkpoint"
	"github.com/convoclassify/agent/internal/classifier"
)

const (
	defaultRunsCollection    = "agent_runs"
	defaultOutcomeCollection = "agent_runs_outcome"
	defaultOpTimeout         = 5 * time.Second
)

// Options configures the Mongo-backed Checkpoint Store.
type Options struct {
	Client           *mongodriver.Client
	Database         string
	RunsCollection   string
	OutcomeCollection string
	Timeout          time.Duration
}

// Store implements checkpoint.Store against MongoDB.
type Store struct {
	mongo      *mongodriver.Client
	runs       collection
	outcomes   collection
	timeout    time.Duration
}

// New constructs a Store and ensures its indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	runsColl := opts.RunsCollection
	if runsColl == "" {
		runsColl = defaultRunsCollection
	}
	outcomeColl := opts.OutcomeCollection
	if outcomeColl == "" {
		outcomeColl = defaultOutcomeCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	runsWrapper := mongoCollection{coll: db.Collection(runsColl)}
	outcomeWrapper := mongoCollection{coll: db.Collection(outcomeColl)}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureIndexes(ictx, runsWrapper); err != nil {
		return nil, err
	}

	return &Store{
		mongo:   opts.Client,
		runs:    runsWrapper,
		outcomes: outcomeWrapper,
		timeout: timeout,
	}, nil
}

// Ping reports whether the underlying Mongo client can reach its primary.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) Save(ctx context.Context, agentCtx *classifier.AgentContext) error {
	if agentCtx == nil || agentCtx.RunID == "" {
		return errors.New("mongo: run id is required")
	}
	now := time.Now().UTC()
	if agentCtx.CreatedAt.IsZero() {
		agentCtx.CreatedAt = now
	}
	agentCtx.UpdatedAt = now

	doc := fromContext(agentCtx)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": agentCtx.RunID}
	update := bson.M{
		"$set": doc,
		"$setOnInsert": bson.M{
			"created_at": doc.CreatedAt,
		},
	}
	_, err := s.runs.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) Load(ctx context.Context, runID string) (*classifier.AgentContext, error) {
	if runID == "" {
		return nil, errors.New("mongo: run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc runDocument
	if err := s.runs.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, err
	}
	return doc.toContext(), nil
}

func (s *Store) SaveOutcome(ctx context.Context, outcome *classifier.AgentRunOutcome) error {
	if outcome == nil || outcome.RunID == "" {
		return errors.New("mongo: run id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := outcomeDocument{
		RunID:           outcome.RunID,
		ConversationIDs: append([]string(nil), outcome.ConversationIDs...),
		CreatedAt:       outcome.CreatedAt.UTC(),
	}
	filter := bson.M{"run_id": outcome.RunID}
	update := bson.M{"$set": doc}
	_, err := s.outcomes.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) List(ctx context.Context, limit int, after string) (checkpoint.Page, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if after != "" {
		var cursor struct {
			CreatedAt time.Time `bson:"createdAt"`
			RunID     string    `bson:"runId"`
		}
		if err := bson.UnmarshalExtJSON([]byte(after), false, &cursor); err == nil {
			filter = bson.M{"created_at": bson.M{"$lt": cursor.CreatedAt}}
		}
	}
	if limit <= 0 {
		limit = 50
	}
	cur, err := s.runs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return checkpoint.Page{}, err
	}
	defer cur.Close(ctx)

	var out []*classifier.AgentContext
	for cur.Next(ctx) {
		var doc runDocument
		if err := cur.Decode(&doc); err != nil {
			return checkpoint.Page{}, err
		}
		out = append(out, doc.toContext())
	}
	nextAfter := ""
	if len(out) == limit {
		last := out[len(out)-1]
		cursorJSON, _ := bson.MarshalExtJSON(bson.M{"createdAt": last.CreatedAt, "runId": last.RunID}, false, false)
		nextAfter = string(cursorJSON)
	}
	return checkpoint.Page{Runs: out, After: nextAfter}, cur.Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}
