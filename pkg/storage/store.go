package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired
	ErrNotFound = errors.New("key not found")

	// ErrWrongType is returned when a key holds a value of a different
	// type than the operation expects. Callers walking shared prefixes
	// must skip keys that fail with this error.
	ErrWrongType = errors.New("key holds wrong type")
)

// OpKind identifies one pipelined operation
type OpKind string

const (
	OpGet OpKind = "get"
	OpSet OpKind = "set"
	OpDel OpKind = "del"
)

// Op is a single operation in a pipeline batch
type Op struct {
	Kind  OpKind
	Key   string
	Value string
	TTL   time.Duration
}

// Result is the outcome of one pipelined operation
type Result struct {
	Value string
	Err   error
}

// Store is the narrow key/value interface the rest of Paddock consumes.
// Implementations must be safe for concurrent use. Sorted sets exist only
// for the job queue's completed index; plain sets back the queue's
// pending/processing membership.
type Store interface {
	// Get returns the string value at key, or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set writes the string value at key; ttl <= 0 means no expiry
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// SetNX writes key only if absent and reports whether it acquired.
	// Used for distributed locks.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Scan returns all keys with the given prefix. May return extraneous
	// keys; consumers filter against their own namespace defensively.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Type returns "string", "set", "zset" or "none" for key
	Type(ctx context.Context, key string) (string, error)

	// SAdd adds member to the set at key
	SAdd(ctx context.Context, key, member string) error

	// SRem removes member from the set at key
	SRem(ctx context.Context, key, member string) error

	// SMembers returns all members of the set at key (empty when missing)
	SMembers(ctx context.Context, key string) ([]string, error)

	// ZAdd adds member with score to the sorted set at key
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZCard returns the cardinality of the sorted set at key
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns members with min <= score <= max, ascending
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// ZRemRangeByRank removes members by ascending rank range, as in Redis
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// Pipeline executes ops as one best-effort batch. Implementations may
	// execute serially; results line up with ops by index.
	Pipeline(ctx context.Context, ops []Op) ([]Result, error)

	// Ping verifies the backend is reachable
	Ping(ctx context.Context) error

	// Name identifies the backend ("redis", "memory", "bolt")
	Name() string

	// Close releases backend resources
	Close() error
}
