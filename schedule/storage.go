package schedule

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis"
)

// StorageBackendType selects where the room registry lives
type StorageBackendType int

// StorageBackendType instances
const (
	StorageBackendMem StorageBackendType = iota
	StorageBackendRedis
)

// redis connection modes accepted by NewStorageBackend
const (
	RedisClientSingle   = "single"
	RedisClientSentinel = "sentinel"
)

const defaultRouteKeyPrefix = "vchamber:route:"

var ErrUnsupportedBackend = errors.New("unsupported registry backend")

// ParseStorageBackendType maps a configuration value to a backend type.
func ParseStorageBackendType(s string) (StorageBackendType, error) {
	switch strings.ToLower(s) {
	case "", "memory", "mem":
		return StorageBackendMem, nil
	case "redis":
		return StorageBackendRedis, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedBackend, s)
}

// ReadOnlyStorage is the view of the room registry the proxy needs
type ReadOnlyStorage interface {
	BackendType() StorageBackendType
	// Get returns the backend owning room k, "" when there is none.
	Get(k string) (string, error)
}

// Storage maps room keys to the backend host serving them
type Storage interface {
	ReadOnlyStorage
	Set(k string, v string) error
	Del(k string) error
	// Claim makes v the owner of k unless k already has one, and returns
	// whoever owns k afterwards.
	Claim(k string, v string) (string, error)
}

type memBackend struct {
	m     map[string]string
	mutex *sync.RWMutex
}

func (b *memBackend) Get(k string) (string, error) {
	b.mutex.RLock()
	v := b.m[k]
	b.mutex.RUnlock()
	return v, nil
}

func (b *memBackend) Set(k string, v string) error {
	b.mutex.Lock()
	b.m[k] = v
	b.mutex.Unlock()
	return nil
}

func (b *memBackend) Del(k string) error {
	b.mutex.Lock()
	delete(b.m, k)
	b.mutex.Unlock()
	return nil
}

func (b *memBackend) Claim(k string, v string) (string, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if cur, ok := b.m[k]; ok {
		return cur, nil
	}
	b.m[k] = v
	return v, nil
}

func (b *memBackend) BackendType() StorageBackendType {
	return StorageBackendMem
}

// RedisStorage keeps the room registry in redis, shared by every proxy
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage creates a registry on top of an existing client
func NewRedisStorage(client redis.UniversalClient) *RedisStorage {
	return &RedisStorage{client: client, prefix: defaultRouteKeyPrefix}
}

func (s *RedisStorage) key(k string) string {
	return s.prefix + k
}

func (s *RedisStorage) BackendType() StorageBackendType {
	return StorageBackendRedis
}

func (s *RedisStorage) Get(k string) (string, error) {
	v, err := s.client.Get(s.key(k)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *RedisStorage) Set(k string, v string) error {
	return s.client.Set(s.key(k), v, 0).Err()
}

func (s *RedisStorage) Del(k string) error {
	return s.client.Del(s.key(k)).Err()
}

func (s *RedisStorage) Claim(k string, v string) (string, error) {
	ok, err := s.client.SetNX(s.key(k), v, 0).Result()
	if err != nil {
		return "", err
	}
	if ok {
		return v, nil
	}
	return s.Get(k)
}

// Client exposes the underlying connection, for pub/sub
func (s *RedisStorage) Client() redis.UniversalClient {
	return s.client
}

// NewStorageBackend creates a registry. The redis backend takes the
// connection mode, the address and, for sentinel, the master name.
func NewStorageBackend(typ StorageBackendType, args ...string) (Storage, error) {
	switch typ {
	case StorageBackendMem:
		return &memBackend{
			m:     make(map[string]string),
			mutex: &sync.RWMutex{},
		}, nil
	case StorageBackendRedis:
		if len(args) < 2 {
			return nil, errors.New("redis registry needs a mode and an address")
		}
		switch args[0] {
		case RedisClientSingle:
			return NewRedisStorage(redis.NewClient(&redis.Options{Addr: args[1]})), nil
		case RedisClientSentinel:
			master := "mymaster"
			if len(args) > 2 && args[2] != "" {
				master = args[2]
			}
			return NewRedisStorage(redis.NewFailoverClient(&redis.FailoverOptions{
				MasterName:    master,
				SentinelAddrs: strings.Split(args[1], ","),
			})), nil
		}
		return nil, fmt.Errorf("unknown redis mode %q", args[0])
	default:
		return nil, ErrUnsupportedBackend
	}
}
