// Package catalog is the thin read/write facade over the document store.
// Nothing outside this package talks to mongo-driver directly: the worker,
// cross-matcher, and filter evaluator all go through the Gateway interface
// so they can be exercised against a fake in tests.
package catalog

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Gateway is the full set of document-store operations the core needs.
// Every method is safe for concurrent use by multiple workers.
type Gateway interface {
	Exists(ctx context.Context, collection string, key string, value interface{}) (bool, error)
	Insert(ctx context.Context, collection string, doc interface{}) error
	InsertMany(ctx context.Context, collection string, docs []interface{}) error
	UpsertAppendToSet(ctx context.Context, collection string, keyField string, keyValue interface{}, setField string, items []interface{}) error
	Find(ctx context.Context, collection string, query bson.M, projection bson.M, out interface{}) error
	Aggregate(ctx context.Context, collection string, pipeline []bson.M, timeBudget time.Duration, allowDiskUse bool, out interface{}) error
	EnsureIndexes(ctx context.Context, collection string, indexes []IndexSpec) error
}

// IndexSpec is a background index build request: name plus an ordered list
// of (field, direction) pairs.
type IndexSpec struct {
	Name string
	Keys []IndexKey
}

type IndexKey struct {
	Field     string
	Direction int
}

type mongoGateway struct {
	db *mongo.Database
}

// New connects to the configured database and returns a Gateway backed by
// it. Connection failure here is fatal to the worker: callers should treat
// a non-nil error as unrecoverable.
func New(ctx context.Context, uri, dbName string) (Gateway, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging document store: %w", err)
	}
	return &mongoGateway{db: client.Database(dbName)}, nil
}

func (g *mongoGateway) Exists(ctx context.Context, collection string, key string, value interface{}) (bool, error) {
	n, err := g.db.Collection(collection).CountDocuments(ctx, bson.M{key: value}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("checking existence in %s: %w", collection, err)
	}
	return n > 0, nil
}

func (g *mongoGateway) Insert(ctx context.Context, collection string, doc interface{}) error {
	if _, err := g.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("inserting into %s: %w", collection, err)
	}
	return nil
}

// InsertMany uses ordered=false so a duplicate-key error on one document
// does not abort the rest of the batch.
func (g *mongoGateway) InsertMany(ctx context.Context, collection string, docs []interface{}) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := g.db.Collection(collection).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("bulk inserting into %s: %w", collection, err)
	}
	return nil
}

// UpsertAppendToSet atomically creates keyValue's document if absent and
// adds items to setField as a set, so concurrent workers observing the
// same object converge without locking (DESIGN NOTES: "Set append on aux").
func (g *mongoGateway) UpsertAppendToSet(ctx context.Context, collection string, keyField string, keyValue interface{}, setField string, items []interface{}) error {
	if len(items) == 0 {
		return nil
	}
	filter := bson.M{keyField: keyValue}
	update := bson.M{"$addToSet": bson.M{setField: bson.M{"$each": items}}}
	_, err := g.db.Collection(collection).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert-append on %s: %w", collection, err)
	}
	return nil
}

func (g *mongoGateway) Find(ctx context.Context, collection string, query bson.M, projection bson.M, out interface{}) error {
	opts := options.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}
	err := g.db.Collection(collection).FindOne(ctx, query, opts).Decode(out)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return mongo.ErrNoDocuments
		}
		return fmt.Errorf("finding in %s: %w", collection, err)
	}
	return nil
}

// Aggregate runs pipeline with allowDiskUse tied to the caller (filter
// evaluation always passes false) and a hard maxTimeMS budget enforced by
// the store itself.
func (g *mongoGateway) Aggregate(ctx context.Context, collection string, pipeline []bson.M, timeBudget time.Duration, allowDiskUse bool, out interface{}) error {
	opts := options.Aggregate().SetAllowDiskUse(allowDiskUse).SetMaxTime(timeBudget)
	cur, err := g.db.Collection(collection).Aggregate(ctx, pipeline, opts)
	if err != nil {
		return fmt.Errorf("aggregating on %s: %w", collection, err)
	}
	defer cur.Close(ctx)
	return cur.All(ctx, out)
}

func (g *mongoGateway) EnsureIndexes(ctx context.Context, collection string, indexes []IndexSpec) error {
	coll := g.db.Collection(collection)
	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		keys := bson.D{}
		for _, k := range idx.Keys {
			keys = append(keys, bson.E{Key: k.Field, Value: k.Direction})
		}
		models = append(models, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetName(idx.Name).SetBackground(true),
		})
	}
	if len(models) == 0 {
		return nil
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("building indexes on %s: %w", collection, err)
	}
	return nil
}
