package store

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash that holds name -> address.
const DefaultRedisKey = "snyper:targets"

// deleteIfScript removes a hash field only while it holds the expected value.
// It returns 1 on delete, 0 when the field is missing and -1 on a mismatch.
var deleteIfScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if not current then
	return 0
end
if current ~= ARGV[2] then
	return -1
end
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// RedisStore keeps the registry in one Redis hash so a restarted controller
// picks up the targets that registered with its predecessor.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(addr string) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), DefaultRedisKey)
}

func NewRedisStoreWithClient(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) SetTarget(ctx context.Context, name, address string) error {
	return r.client.HSet(ctx, r.key, name, address).Err()
}

func (r *RedisStore) GetTarget(ctx context.Context, name string) (string, error) {
	address, err := r.client.HGet(ctx, r.key, name).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return address, err
}

func (r *RedisStore) DeleteTarget(ctx context.Context, name string) error {
	removed, err := r.client.HDel(ctx, r.key, name).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) DeleteTargetIf(ctx context.Context, name, address string) error {
	res, err := deleteIfScript.Run(ctx, r.client, []string{r.key}, name, address).Int()
	if err != nil {
		return err
	}
	switch res {
	case 0:
		return ErrNotFound
	case -1:
		return ErrAddressChanged
	}
	return nil
}

func (r *RedisStore) ListTargets(ctx context.Context) ([]Target, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(all))
	for name, address := range all {
		out = append(out, Target{Name: name, Address: address})
	}
	sortTargets(out)
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
