package repository

import (
	"context"
	"fmt"

	"github.com/Gthulhu/fleet/config"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooption "go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/fx"
)

const (
	containerCollection = "containers"
	agentCollection     = "agents"
	eventCollection     = "events"
)

type Params struct {
	fx.In
	MongoConfig config.MongoDBConfig
}

// NewRepository connects to MongoDB and returns the persistent store for
// registry records and lifecycle events.
func NewRepository(params Params) (*Repo, error) {
	cfg := params.MongoConfig
	uri := fmt.Sprintf("mongodb://%s:%s@%s:%s", cfg.User, cfg.Password, cfg.Host, cfg.Port)
	client, err := mongo.Connect(mongooption.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	return &Repo{
		client: client,
		db:     client.Database(cfg.Database),
	}, nil
}

type Repo struct {
	client *mongo.Client
	db     *mongo.Database
}

// EnsureIndexes creates the indexes the coordinator relies on. Registration
// idempotence is backed by the unique endpoint index.
func (r *Repo) EnsureIndexes(ctx context.Context) error {
	_, err := r.db.Collection(containerCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "networkAddress", Value: 1}, {Key: "apiPort", Value: 1}},
		Options: mongooption.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create endpoint index: %w", err)
	}
	_, err = r.db.Collection(eventCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "occurredAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("create event index: %w", err)
	}
	return nil
}

// Close disconnects the underlying client.
func (r *Repo) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
