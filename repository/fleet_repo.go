package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gthulhu/fleet/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooption "go.mongodb.org/mongo-driver/v2/mongo/options"
)

func (r *Repo) UpsertContainer(ctx context.Context, c *domain.ContainerRecord) error {
	if c == nil {
		return errors.New("nil container")
	}
	_, err := r.db.Collection(containerCollection).ReplaceOne(ctx,
		bson.M{"_id": c.ID}, c, mongooption.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert container %s: %w", c.ID, err)
	}
	return nil
}

func (r *Repo) GetContainer(ctx context.Context, id string) (*domain.ContainerRecord, error) {
	var rec domain.ContainerRecord
	err := r.db.Collection(containerCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownContainer, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get container %s: %w", id, err)
	}
	return &rec, nil
}

func (r *Repo) ListContainers(ctx context.Context) ([]*domain.ContainerRecord, error) {
	cursor, err := r.db.Collection(containerCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*domain.ContainerRecord
	for cursor.Next(ctx) {
		var rec domain.ContainerRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, cursor.Err()
}

func (r *Repo) DeleteContainer(ctx context.Context, id string) error {
	_, err := r.db.Collection(containerCollection).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete container %s: %w", id, err)
	}
	return nil
}

func (r *Repo) UpsertAgent(ctx context.Context, a *domain.AgentRecord) error {
	if a == nil {
		return errors.New("nil agent")
	}
	_, err := r.db.Collection(agentCollection).ReplaceOne(ctx,
		bson.M{"_id": a.ID}, a, mongooption.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (r *Repo) GetAgent(ctx context.Context, id string) (*domain.AgentRecord, error) {
	var rec domain.AgentRecord
	err := r.db.Collection(agentCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return &rec, nil
}

func (r *Repo) ListAgents(ctx context.Context) ([]*domain.AgentRecord, error) {
	cursor, err := r.db.Collection(agentCollection).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*domain.AgentRecord
	for cursor.Next(ctx) {
		var rec domain.AgentRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, cursor.Err()
}

func (r *Repo) PublishEvent(ctx context.Context, ev domain.Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	_, err := r.db.Collection(eventCollection).InsertOne(ctx, ev)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Type, err)
	}
	return nil
}

// ListEvents returns events in occurrence order, newest last.
func (r *Repo) ListEvents(ctx context.Context, limit int64) ([]domain.Event, error) {
	opts := mongooption.Find().SetSort(bson.D{{Key: "occurredAt", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(limit)
	}
	cursor, err := r.db.Collection(eventCollection).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer cursor.Close(ctx)

	var out []domain.Event
	for cursor.Next(ctx) {
		var ev domain.Event
		if err := cursor.Decode(&ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cursor.Err()
}
