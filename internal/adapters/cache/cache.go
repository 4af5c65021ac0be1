// Package cache keeps recently read scores close to the API.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/okian/passport-registry/internal/domain/model"
	"github.com/okian/passport-registry/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const (
	keyPrefix  = "registry:score:"
	defaultTTL = 5 * time.Minute
)

// ScoreCache is a cache-aside store for scores keyed by community and
// address.
type ScoreCache interface {
	Get(ctx context.Context, communityID int64, address string) (model.Score, bool, error)
	Set(ctx context.Context, communityID int64, score model.Score) error
	Invalidate(ctx context.Context, communityID int64, addresses ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Noop never hits. It is used when no redis is configured.
type Noop struct{}

var _ ScoreCache = Noop{}

func (Noop) Get(context.Context, int64, string) (model.Score, bool, error) {
	return model.Score{}, false, nil
}
func (Noop) Set(context.Context, int64, model.Score) error { return nil }
func (Noop) Invalidate(context.Context, int64, ...string) error { return nil }
func (Noop) Ping(context.Context) error { return nil }
func (Noop) Close() error { return nil }

// Redis caches scores in redis as JSON with a TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ScoreCache = (*Redis)(nil)

// NewRedis connects to url and pings it. A non-positive ttl uses the default.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Key is the redis key of a cached score.
func Key(communityID int64, address string) string {
	return keyPrefix + strconv.FormatInt(communityID, 10) + ":" + model.NormalizeAddress(address)
}

type entry struct {
	PassportID int64  `json:"passport_id"`
	Address    string `json:"address"`
	Score      string `json:"score"`
	ScoredAt   int64  `json:"last_score_timestamp"`
}

func encode(s model.Score) ([]byte, error) {
	return json.Marshal(entry{
		PassportID: s.PassportID,
		Address:    s.Address,
		Score:      s.Formatted(),
		ScoredAt:   s.LastScoreTimestamp.UTC().UnixMilli(),
	})
}

func decode(b []byte) (model.Score, error) {
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return model.Score{}, err
	}
	v, err := decimal.NewFromString(e.Score)
	if err != nil {
		return model.Score{}, err
	}
	return model.Score{
		PassportID:         e.PassportID,
		Address:            e.Address,
		Value:              v,
		LastScoreTimestamp: time.UnixMilli(e.ScoredAt).UTC(),
	}, nil
}

// Get implements ScoreCache. Undecodable entries count as misses.
func (c *Redis) Get(ctx context.Context, communityID int64, address string) (model.Score, bool, error) {
	b, err := c.client.Get(ctx, Key(communityID, address)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.RecordScoreCache("miss")
		return model.Score{}, false, nil
	}
	if err != nil {
		metrics.RecordScoreCache("error")
		return model.Score{}, false, fmt.Errorf("redis get: %w", err)
	}
	s, err := decode(b)
	if err != nil {
		metrics.RecordScoreCache("miss")
		return model.Score{}, false, nil
	}
	metrics.RecordScoreCache("hit")
	return s, true, nil
}

// Set implements ScoreCache.
func (c *Redis) Set(ctx context.Context, communityID int64, s model.Score) error {
	b, err := encode(s)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, Key(communityID, s.Address), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate implements ScoreCache.
func (c *Redis) Invalidate(ctx context.Context, communityID int64, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	keys := make([]string, len(addresses))
	for i, a := range addresses {
		keys[i] = Key(communityID, a)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Ping implements ScoreCache.
func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close implements ScoreCache.
func (c *Redis) Close() error {
	return c.client.Close()
}
