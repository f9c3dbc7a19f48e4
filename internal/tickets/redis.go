package tickets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/starford/charsheet/internal/apperr"
	"github.com/starford/charsheet/internal/models"
)

const keyPrefix = "charsheet:ticket:"

// claimScript deletes the ticket hash only while it still belongs to the
// given prompt.
var claimScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "prompt") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis stores tickets in a shared Redis instance as hashes with a prompt
// field and a JSON data field.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("tickets: redis ping %s: %w", addr, err)
	}
	return &Redis{rdb: rdb, ttl: ttl}, nil
}

var _ Store = (*Redis)(nil)

func redisKey(loc models.Location) string { return keyPrefix + loc.Key() }

func (r *Redis) Put(ctx context.Context, t *models.Ticket) (*models.Ticket, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("tickets: encode: %w", err)
	}
	key := redisKey(t.Location)

	var prevRaw *redis.StringCmd
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		prevRaw = pipe.HGet(ctx, key, "data")
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, "prompt", t.Prompt.Key(), "data", data)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("tickets: put %s: %w", key, err)
	}

	raw, err := prevRaw.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tickets: put %s: %w", key, err)
	}
	var prev models.Ticket
	if err := json.Unmarshal(raw, &prev); err != nil {
		return nil, fmt.Errorf("tickets: decode superseded ticket: %w", err)
	}
	return &prev, nil
}

func (r *Redis) Get(ctx context.Context, loc models.Location) (*models.Ticket, error) {
	raw, err := r.rdb.HGet(ctx, redisKey(loc), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tickets: get %s: %w", loc.Key(), err)
	}
	var t models.Ticket
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("tickets: decode %s: %w", loc.Key(), err)
	}
	return &t, nil
}

func (r *Redis) Claim(ctx context.Context, loc, prompt models.Location) (bool, error) {
	n, err := claimScript.Run(ctx, r.rdb, []string{redisKey(loc)}, prompt.Key()).Int()
	if err != nil {
		return false, fmt.Errorf("tickets: claim %s: %w", loc.Key(), err)
	}
	return n == 1, nil
}

func (r *Redis) Close() error { return r.rdb.Close() }
