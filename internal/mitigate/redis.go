package mitigate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror is a BlockMirror backed by Redis, the documented alternative
// to the default in-memory-only Controller when several proxy replicas
// share one admin surface. Keys expire on their own (TTL = time-to-unblock)
// so a crashed instance never leaves a stale block lingering.
type RedisMirror struct {
	rdb *redis.Client
}

// NewRedisMirror wraps rdb for use as a Controller's BlockMirror.
func NewRedisMirror(rdb *redis.Client) *RedisMirror {
	return &RedisMirror{rdb: rdb}
}

type mirroredBlock struct {
	Until      int64 `json:"until"`
	Violations int   `json:"violations"`
}

func blockKey(ip string) string { return "sg:mitigate:block:" + ip }

func (m *RedisMirror) SetBlock(ip string, until time.Time, violations int) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return m.ClearBlock(ip)
	}
	raw, err := json.Marshal(mirroredBlock{Until: until.Unix(), Violations: violations})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return m.rdb.Set(ctx, blockKey(ip), raw, ttl).Err()
}

func (m *RedisMirror) ClearBlock(ip string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return m.rdb.Del(ctx, blockKey(ip)).Err()
}

// LookupBlock reads a mirrored block, for an admin surface that wants a
// fleet-wide view rather than just this instance's in-memory state.
func (m *RedisMirror) LookupBlock(ip string) (until time.Time, violations int, found bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	raw, getErr := m.rdb.Get(ctx, blockKey(ip)).Bytes()
	if getErr == redis.Nil {
		return time.Time{}, 0, false, nil
	}
	if getErr != nil {
		return time.Time{}, 0, false, getErr
	}
	var b mirroredBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return time.Time{}, 0, false, err
	}
	return time.Unix(b.Until, 0), b.Violations, true, nil
}
