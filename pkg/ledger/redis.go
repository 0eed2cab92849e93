package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raskyld/particula/pkg/particle"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "particula:ledger:"

// Redis shares the ledger between processes. Entries expire with the
// particle deadline using the native key TTL.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(key particle.Key) string {
	return r.prefix + key.String()
}

func (r *Redis) Record(ctx context.Context, key particle.Key, state particle.State, until time.Time) error {
	ttl := time.Until(until)
	if ttl < time.Millisecond {
		return nil
	}
	if err := r.client.Set(ctx, r.key(key), state.String(), ttl).Err(); err != nil {
		return fmt.Errorf("ledger: redis record: %w", err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, key particle.Key) (particle.State, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return particle.StateUnknown, false, nil
	}
	if err != nil {
		return particle.StateUnknown, false, fmt.Errorf("ledger: redis lookup: %w", err)
	}
	return particle.ParseState(val), true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
