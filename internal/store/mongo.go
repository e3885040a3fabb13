package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

const (
	defaultMongoDatabase = "transferq"
	mongoCollection      = "checkpoints"
)

type checkpointDoc struct {
	ID        string `bson:"_id"`
	Data      []byte `bson:"data"`
	UpdatedAt int64  `bson:"updatedAt"`
}

// MongoStore keeps the checkpoint as one document.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// OpenMongo connects to uri with tracing enabled. The database is taken from
// the URI path and defaults to "transferq".
func OpenMongo(ctx context.Context, uri string) (*MongoStore, error) {
	dbName := defaultMongoDatabase
	if u, err := url.Parse(uri); err == nil {
		if name := strings.Trim(u.Path, "/"); name != "" {
			dbName = name
		}
	}

	opts := options.Client().ApplyURI(uri).SetMonitor(otelmongo.NewMonitor())
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return NewMongoStore(client, dbName), nil
}

// NewMongoStore uses an existing client.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	return &MongoStore{
		client:     client,
		collection: client.Database(dbName).Collection(mongoCollection),
	}
}

func (m *MongoStore) Save(ctx context.Context, data []byte) error {
	update := bson.M{
		"$set": bson.M{
			"data":      data,
			"updatedAt": time.Now().Unix(),
		},
	}
	_, err := m.collection.UpdateOne(
		ctx,
		bson.M{"_id": checkpointName},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) Load(ctx context.Context) ([]byte, error) {
	var doc checkpointDoc
	err := m.collection.FindOne(ctx, bson.M{"_id": checkpointName}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNoState
		}
		return nil, err
	}
	return doc.Data, nil
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
