// Package bus abstracts the message-bus primitives the platform relies on:
// durable streams with consumer groups, fire-and-forget pub/sub channels,
// hashes, sets, sorted sets, and per-key TTLs.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when the bus cannot be reached. Callers on the
// HTTP hot path convert it to 503; consumer loops back off and retry.
var ErrUnavailable = errors.New("message bus unavailable")

// StreamMessage is one entry read from a durable stream.
type StreamMessage struct {
	ID     string
	Values map[string]string
}

// PendingEntry describes an unacknowledged stream entry within a consumer
// group.
type PendingEntry struct {
	ID       string
	Consumer string
	Idle     time.Duration
}

// ScoredMember is a sorted-set member with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// Bus is the full primitive set. The Redis implementation is the production
// backend; the in-memory implementation backs unit tests and local runs
// without a bus.
type Bus interface {
	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Publish sends a fire-and-forget message on a pub/sub channel.
	// Subscribers that are not connected miss the message.
	Publish(ctx context.Context, channel string, payload []byte) error

	// AddToStream appends an entry to a durable stream and returns its id.
	AddToStream(ctx context.Context, stream string, values map[string]string) (string, error)

	// EnsureGroup creates the consumer group from the beginning of the
	// stream, creating the stream if necessary. Creating a group that
	// already exists is not an error.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup block-reads up to count new entries for the consumer.
	// Returns an empty slice on block timeout.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error)

	// Ack acknowledges processed entries.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Pending lists up to count unacknowledged entries for the group.
	Pending(ctx context.Context, stream, group string, count int64) ([]PendingEntry, error)

	// Claim transfers ownership of entries idle for at least minIdle to the
	// given consumer and returns the claimed entries.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]StreamMessage, error)

	// HSet sets multiple hash fields at once.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll returns every field of a hash; empty map for a missing key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HDel deletes hash fields.
	HDel(ctx context.Context, key string, fields ...string) error

	// SAdd adds members to a set.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from a set.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of a set.
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAdd adds a member with a numeric score to a sorted set.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRangeByScore returns members with min <= score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)

	// Expire sets the key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Del removes keys.
	Del(ctx context.Context, keys ...string) error

	// Close releases the connection.
	Close() error
}
