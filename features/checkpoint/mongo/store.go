// Package mongo implements checkpoint.Store on MongoDB.
//
// Each checkpoint is one document keyed by (simulation, name). The snapshot
// itself is kept as the JSON document produced by checkpoint.Encode so that
// every backend returns identical values on load.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/parley/runtime/interaction/checkpoint"
)

const (
	defaultCollection = "checkpoints"
	defaultTimeout    = 5 * time.Second
	clientName        = "checkpoint-mongo"
)

type (
	// Options configures the Mongo store.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// Store persists checkpoints in a MongoDB collection.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	checkpointDocument struct {
		Simulation string    `bson:"simulation"`
		Name       string    `bson:"name"`
		Timestamp  time.Time `bson:"timestamp"`
		Data       string    `bson:"data"`
		UpdatedAt  time.Time `bson:"updated_at"`
	}

	// collection is the subset of the driver collection used by the store.
	collection interface {
		FindOne(ctx context.Context, filter any) singleResult
		ReplaceOne(ctx context.Context, filter, doc any) error
		DeleteOne(ctx context.Context, filter any) (int64, error)
		CountDocuments(ctx context.Context, filter any) (int64, error)
		Names(ctx context.Context, filter any) ([]string, error)
		EnsureIndex(ctx context.Context) error
	}

	singleResult interface {
		Decode(val any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}
)

var (
	_ checkpoint.Store = (*Store)(nil)
	_ health.Pinger    = (*Store)(nil)
)

// New returns a Store backed by the provided MongoDB client. It creates the
// unique (simulation, name) index when missing.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	s, err := newStoreWithCollection(opts.Client, wrapper, opts.Timeout)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	if err := wrapper.EnsureIndex(ctx); err != nil {
		return nil, fmt.Errorf("create checkpoint index: %w", err)
	}
	return s, nil
}

// Connect dials uri and returns a store on database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	cl, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	s, err := New(Options{Client: cl, Database: database})
	if err != nil {
		_ = cl.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	if s.mongo == nil {
		return nil
	}
	return s.mongo.Disconnect(ctx)
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := checkpoint.Encode(cp)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := checkpointDocument{
		Simulation: cp.Simulation,
		Name:       cp.Name,
		Timestamp:  cp.Timestamp.UTC(),
		Data:       string(data),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.coll.ReplaceOne(ctx, keyFilter(cp.Simulation, cp.Name), doc); err != nil {
		return fmt.Errorf("save checkpoint %q: %w", cp.Name, err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, simulation, name string) (checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc checkpointDocument
	if err := s.coll.FindOne(ctx, keyFilter(simulation, name)).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("load checkpoint %q: %w", name, err)
	}
	return checkpoint.Decode([]byte(doc.Data))
}

// List implements checkpoint.Store.
func (s *Store) List(ctx context.Context, simulation string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	names, err := s.coll.Names(ctx, bson.M{"simulation": simulation})
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return names, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, simulation, name string) error {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.coll.DeleteOne(ctx, keyFilter(simulation, name))
	if err != nil {
		return fmt.Errorf("delete checkpoint %q: %w", name, err)
	}
	if n == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

// Exists implements checkpoint.Store.
func (s *Store) Exists(ctx context.Context, simulation, name string) (bool, error) {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.coll.CountDocuments(ctx, keyFilter(simulation, name))
	if err != nil {
		return false, fmt.Errorf("check checkpoint %q: %w", name, err)
	}
	return n > 0, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func keyFilter(simulation, name string) bson.M {
	return bson.M{"simulation": simulation, "name": name}
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, doc any) error {
	_, err := c.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any) (int64, error) {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
}

func (c mongoCollection) Names(ctx context.Context, filter any) ([]string, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "name", Value: 1}}).
		SetProjection(bson.M{"name": 1})
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []checkpointDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = d.Name
	}
	return names, nil
}

func (c mongoCollection) EnsureIndex(ctx context.Context) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "simulation", Value: 1}, {Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := c.coll.Indexes().CreateOne(ctx, index)
	return err
}
