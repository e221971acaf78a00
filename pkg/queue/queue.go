package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Topics used by the pipeline stages. Dead-letter topics mirror the
// value shape of their source topic with an added error field.
const (
	TopicRawListings        = "raw-listings"
	TopicListingUpdates     = "listing-updates"
	TopicAlertMatches       = "alert-matches"
	TopicNotificationOutbox = "notification-outbox"
)

// Envelope wraps a message on the bus. Key selects the partition and
// therefore the ordering scope.
type Envelope struct {
	Key         string    `json:"key"`
	Value       []byte    `json:"value"`
	PublishedAt time.Time `json:"published_at"`
}

// Bus is the seam between the collector, processor, and dispatcher:
// an ordered, partitioned, at-least-once log. Messages with the same
// key land on the same partition and are observed in publish order by
// that partition's consumer; no ordering holds across keys.
type Bus interface {
	// Publish appends a message to the partition selected by key.
	Publish(ctx context.Context, topic, key string, value []byte) error

	// Consume blocks until a message is available on the given
	// partition or ctx is done.
	Consume(ctx context.Context, topic string, partition int) (*Envelope, error)

	// Partitions reports the partition count of a topic.
	Partitions(topic string) int

	// Close closes the bus
	Close() error
}

// DeadLetter is the value shape on dead-letter topics: the original
// value plus the failure that exhausted its retries.
type DeadLetter struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetterTopic names the dead-letter mirror of a topic.
func DeadLetterTopic(topic string) string {
	return topic + ".dlq"
}

// PublishDead forwards a poisoned message to the topic's dead-letter
// mirror, preserving the key and attaching the failure cause.
func PublishDead(ctx context.Context, bus Bus, topic string, env *Envelope, cause error) error {
	dead := DeadLetter{
		Key:      env.Key,
		Value:    env.Value,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(dead)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, DeadLetterTopic(topic), env.Key, data)
}

// Common errors
var (
	ErrBusClosed       = errors.New("bus is closed")
	ErrNoSuchPartition = errors.New("no such partition")
	ErrPublishTimeout  = errors.New("publish timeout")
)
