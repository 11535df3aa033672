package store

import (
	"context"

	"github.com/go-redis/redis"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
)

// RedisStore persists rooms in Redis, one string key per blob.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisClient connects to a single node, or through sentinels when any are set.
func NewRedisClient(opts Options) *redis.Client {
	if len(opts.RedisSentinels) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    opts.RedisMaster,
			SentinelAddrs: opts.RedisSentinels,
			Password:      opts.RedisPassword,
			DB:            opts.RedisDB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	})
}

// NewRedisStore wraps an existing client. The store owns the client from now on.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Hydrate(ctx context.Context, room string) (*playback.State, error) {
	b, err := s.client.WithContext(ctx).Get(roomKey(s.prefix, room, stateKeyName)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeState(b)
}

func (s *RedisStore) Persist(ctx context.Context, room string, st playback.State) error {
	state, m, err := encodeRecord(st)
	if err != nil {
		return err
	}
	// both blobs or neither
	_, err = s.client.WithContext(ctx).TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.Set(roomKey(s.prefix, room, stateKeyName), state, 0)
		pipe.Set(roomKey(s.prefix, room, metaKeyName), m, 0)
		return nil
	})
	return err
}

func (s *RedisStore) Clear(ctx context.Context, room string) error {
	return s.client.WithContext(ctx).Del(
		roomKey(s.prefix, room, stateKeyName),
		roomKey(s.prefix, room, metaKeyName),
	).Err()
}

func (s *RedisStore) Source(ctx context.Context, room string) (string, error) {
	b, err := s.client.WithContext(ctx).Get(roomKey(s.prefix, room, metaKeyName)).Bytes()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return decodeSource(b)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
