// Package datastore implements Citadel's typed KV + sorted-set + pipeline
// primitive shared by every analyzer and the ProtectRoute middleware.
package datastore

import (
	"context"
	"math"
	"time"
)

// NegInf and PosInf are the literal -inf/+inf sentinels accepted by
// ZRangeByScore, matching the Redis convention the RedisStore backend maps
// onto directly.
var (
	NegInf = math.Inf(-1)
	PosInf = math.Inf(1)
)

// IntResult holds the outcome of a pipelined integer-returning command.
// Its value is only valid after the owning Pipeline's function returns.
// Backends that execute commands lazily (RedisStore) populate it through
// resolve instead of at queue time; MemoryStore sets val directly since its
// commands run immediately under the store's lock.
type IntResult struct {
	val     int64
	err     error
	resolve func() (int64, error)
}

func (r *IntResult) Val() int64 {
	r.materialize()
	return r.val
}

func (r *IntResult) Err() error {
	r.materialize()
	return r.err
}

func (r *IntResult) materialize() {
	if r.resolve != nil {
		r.val, r.err = r.resolve()
		r.resolve = nil
	}
}

// BoolResult holds the outcome of a pipelined boolean-returning command.
type BoolResult struct {
	val     bool
	err     error
	resolve func() (bool, error)
}

func (r *BoolResult) Val() bool {
	r.materialize()
	return r.val
}

func (r *BoolResult) Err() error {
	r.materialize()
	return r.err
}

func (r *BoolResult) materialize() {
	if r.resolve != nil {
		r.val, r.err = r.resolve()
		r.resolve = nil
	}
}

// StringsResult holds the outcome of a pipelined member-list command.
type StringsResult struct {
	val     []string
	err     error
	resolve func() ([]string, error)
}

func (r *StringsResult) Val() []string {
	r.materialize()
	return r.val
}

func (r *StringsResult) Err() error {
	r.materialize()
	return r.err
}

func (r *StringsResult) materialize() {
	if r.resolve != nil {
		r.val, r.err = r.resolve()
		r.resolve = nil
	}
}

// Pipeliner queues sorted-set mutations for atomic execution. Implementations
// must guarantee that the full sequence of calls observes and produces a
// single consistent view of the store, like a Redis MULTI/EXEC transaction.
type Pipeliner interface {
	ZRemRangeByScore(key string, min, max float64) *IntResult
	ZRemRangeByRank(key string, start, stop int64) *IntResult
	ZAdd(key string, score float64, member string) *IntResult
	Expire(key string, ttl time.Duration) *BoolResult
	ZCard(key string) *IntResult
	ZRange(key string, start, stop int64) *StringsResult
}

// DataStore is the pluggable capability abstraction every analyzer and the
// middleware depend on. Two implementations are provided: MemoryStore (an
// in-process map guarded by a single lock) and RedisStore (a thin
// mapping onto go-redis). Both satisfy identical behavior for callers.
type DataStore interface {
	// Get returns the stored value and true, or (nil, false) if the key is
	// absent or expired. Transient backend errors are returned as err; the
	// caller treats a non-nil err exactly like a miss.
	Get(ctx context.Context, key string) (any, bool, error)

	// Set stores value at key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete removes key, returning whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// ZAdd adds/updates member with score in the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRange returns members ordered by ascending score between the start
	// and stop ranks, inclusive. Negative indices count from the end
	// (-1 is the highest-scored member).
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ZRangeByScore returns members with score in [min, max], inclusive.
	// NegInf/PosInf are accepted literally.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// ZCard returns the number of members in the sorted set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRemRangeByScore removes members scored within [min, max], inclusive.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// ZRemRangeByRank removes members by ascending-rank range, inclusive,
	// with the same negative-index convention as ZRange.
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error

	// Expire resets the TTL on key. ttl == 0 leaves any existing expiry
	// untouched; ttl > 0 resets it.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Pipeline runs fn against a Pipeliner and executes the queued commands
	// as a single atomic unit relative to other concurrent callers touching
	// the same key. Results inside fn's closures are only valid once
	// Pipeline returns.
	Pipeline(ctx context.Context, fn func(Pipeliner) error) error
}
