package predict

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// SharedCache is a fleet-wide companion to the in-process Cache: a verdict
// computed by one proxy replica becomes visible to every other replica
// keyed on the same feature+sensitivity hash, so a burst that fans out
// across a load balancer only pays the model's inference cost once.
type SharedCache interface {
	Get(key string) (Result, bool)
	Put(key string, result Result, ttl time.Duration)
}

// RedisCache implements SharedCache over a Redis client. Failures degrade
// to a cache miss / no-op store rather than surfacing to the request path
// — the prediction service already tolerates a missing cache entry, and a
// struggling Redis should never become a reason to fall behind on traffic.
type RedisCache struct {
	rdb        *redis.Client
	keyPrefix  string
	warnedOnce atomic.Bool
}

// NewRedisCache wraps rdb for use as a Service's shared cache.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, keyPrefix: "sg:predict:"}
}

type cachedResult struct {
	IsBenign      bool               `json:"is_benign"`
	RiskScore     float64            `json:"risk_score"`
	Confidence    float64            `json:"confidence"`
	Contributions map[string]float64 `json:"contributions,omitempty"`
}

func (c *RedisCache) Get(key string) (Result, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	raw, err := c.rdb.Get(ctx, c.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return Result{}, false
	}
	if err != nil {
		c.warn(err)
		return Result{}, false
	}
	var cr cachedResult
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Result{}, false
	}
	return Result{IsBenign: cr.IsBenign, RiskScore: cr.RiskScore, Confidence: cr.Confidence, Contributions: cr.Contributions}, true
}

func (c *RedisCache) Put(key string, result Result, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	raw, err := json.Marshal(cachedResult{
		IsBenign:      result.IsBenign,
		RiskScore:     result.RiskScore,
		Confidence:    result.Confidence,
		Contributions: result.Contributions,
	})
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.keyPrefix+key, raw, ttl).Err(); err != nil {
		c.warn(err)
	}
}

func (c *RedisCache) warn(err error) {
	if c.warnedOnce.CompareAndSwap(false, true) {
		log.Warn().Err(err).Msg("predict: shared cache unavailable, falling back to per-process cache only")
	}
}
