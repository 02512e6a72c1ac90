// Package mongo is the MongoDB-backed conversation store, including the
// native query translator that turns the LLM's opaque query map into a
// Mongo filter document and back into the serialized form the plan carries.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/convoclassify/agent/internal/convstore"
)

const (
	defaultCollection = "conversations"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo-backed conversation store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements convstore.Store against MongoDB.
type Store struct {
	coll       *mongodriver.Collection
	timeout    time.Duration
	translator convstore.Translator
}

// New constructs a Store backed by the given Mongo client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		coll:       opts.Client.Database(opts.Database).Collection(collName),
		timeout:    timeout,
		translator: JSONTranslator{},
	}, nil
}

func (s *Store) Query(ctx context.Context, queryMapSerialized string, limit int) ([]convstore.Conversation, error) {
	filterMap, err := s.translator.Deserialize(queryMapSerialized)
	if err != nil {
		return nil, err
	}
	filter := bson.M(filterMap)
	filter["classification"] = bson.M{"$exists": false}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []convstore.Conversation
	for cur.Next(ctx) {
		var c convstore.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

func (s *Store) UpdateClassification(ctx context.Context, id string, classification convstore.Classification) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id}
	update := bson.M{"$set": bson.M{"classification": classification}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return convstore.ErrNotFound
	}
	return nil
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

// JSONTranslator serializes the opaque query map to/from JSON. It is the
// simplest possible native-query translator: Mongo's query language is
// itself a JSON-compatible document map, so no further transformation is
// required beyond round-tripping through encoding/json. A backend whose
// native query language isn't document-shaped (e.g. SQL) would need a
// different Translator implementation; this is the one choice §9 leaves
// open for an implementation to make.
type JSONTranslator struct{}

func (JSONTranslator) Serialize(queryMap map[string]any) (string, error) {
	b, err := json.Marshal(queryMap)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (JSONTranslator) Deserialize(serialized string) (map[string]any, error) {
	if serialized == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(serialized), &m); err != nil {
		return nil, err
	}
	return m, nil
}
