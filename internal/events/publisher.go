// Package events broadcasts entity change notifications over Redis
// pub/sub so connected clients learn to pull instead of polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ChangeEvent is the wire payload published after an operation mutates
// an entity. It carries just enough for a client to decide to pull;
// the entity data itself always travels through the changefeed.
type ChangeEvent struct {
	OrganizationID string    `json:"organization_id"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Intent         string    `json:"intent"`
	ServerVersion  int64     `json:"server_version"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher fans change events out over Redis pub/sub. Publishing is
// best effort: a failed publish never fails the operation that caused
// it, the caller just logs it.
type Publisher struct {
	client *redis.Client
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(redisURL string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Publisher{client: client}, nil
}

// NewPublisherWithClient creates a publisher from an existing client.
func NewPublisherWithClient(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Channel returns the pub/sub channel for one organization and entity
// type. Clients subscribe per organization with a pattern like
// "sync.org_x.*".
func Channel(orgID, entityType string) string {
	return "sync." + orgID + "." + entityType + ".synced"
}

// EntitySynced publishes a change event on the entity's channel.
func (p *Publisher) EntitySynced(ctx context.Context, event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	channel := Channel(event.OrganizationID, event.EntityType)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
