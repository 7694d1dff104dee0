package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sendwealth/claw-ai-backend/internal/bucket"
)

//go:embed token_bucket.lua
var tokenBucketSource string

var tokenBucketScript = redis.NewScript(tokenBucketSource)

var ErrMalformedReply = errors.New("malformed token bucket reply")

// RedisStore keeps buckets as Redis hashes {tokens, last_update}. Consume is
// one EVALSHA (EVAL on a cold script cache), so it is atomic across every
// process sharing the Redis instance.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Consume(ctx context.Context, key string, p bucket.Params, requested float64, now time.Time) (bucket.Result, error) {
	reply, err := tokenBucketScript.Run(ctx, r.client, []string{key},
		now.UnixMilli(),
		p.RefillRate,
		p.Capacity,
		requested,
		p.TTL.Milliseconds(),
	).Slice()
	if err != nil {
		return bucket.Result{}, fmt.Errorf("redis token bucket script: %w", err)
	}
	if len(reply) != 3 {
		return bucket.Result{}, fmt.Errorf("%w: %d values", ErrMalformedReply, len(reply))
	}

	allowed, ok := reply[0].(int64)
	if !ok {
		return bucket.Result{}, fmt.Errorf("%w: allowed flag %T", ErrMalformedReply, reply[0])
	}
	tokens, err := toFloat(reply[1])
	if err != nil {
		return bucket.Result{}, err
	}
	wait, err := toFloat(reply[2])
	if err != nil {
		return bucket.Result{}, err
	}

	retry := time.Duration(wait * float64(time.Second))
	if wait < 0 {
		retry = time.Duration(math.MaxInt64)
	}

	return bucket.Result{
		Allowed:    allowed == 1,
		Tokens:     tokens,
		RetryAfter: retry,
	}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (bucket.State, bool, error) {
	vals, err := r.client.HMGet(ctx, key, "tokens", "last_update").Result()
	if err != nil {
		return bucket.State{}, false, fmt.Errorf("redis hmget error: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return bucket.State{}, false, nil
	}

	tokens, err := toFloat(vals[0])
	if err != nil {
		return bucket.State{}, false, err
	}
	lastMs, err := toFloat(vals[1])
	if err != nil {
		return bucket.State{}, false, err
	}

	return bucket.State{
		Tokens:     tokens,
		LastUpdate: time.UnixMilli(int64(lastMs)),
	}, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformedReply, t)
		}
		return f, nil
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("%w: unexpected %T", ErrMalformedReply, v)
	}
}
