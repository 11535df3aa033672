// Package store persists the canonical playback state of rooms so that a room
// can be hydrated again after its process was suspended or restarted.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
)

// ErrNotFound is returned by Source when a room has no metadata.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract of a room. Hydrate returns nil, nil when
// nothing was persisted for the room. Clear removes everything the room owns
// and is a no-op for unknown rooms.
type Store interface {
	Hydrate(ctx context.Context, room string) (*playback.State, error)
	Persist(ctx context.Context, room string, st playback.State) error
	Clear(ctx context.Context, room string) error
	// Source returns the last persisted source id of room.
	Source(ctx context.Context, room string) (string, error)
	Close() error
}

// BackendType selects a Store implementation
type BackendType string

// BackendType instances
const (
	BackendMem    BackendType = "memory"
	BackendRedis  BackendType = "redis"
	BackendBadger BackendType = "badger"
)

// Options configures Open.
type Options struct {
	Backend BackendType
	// KeyPrefix namespaces keys in shared backends.
	KeyPrefix string

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisMaster    string
	RedisSentinels []string

	BadgerPath string
}

// Open creates the Store described by opts.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMem, "":
		return NewMemStore(), nil
	case BackendRedis:
		return NewRedisStore(NewRedisClient(opts), opts.KeyPrefix), nil
	case BackendBadger:
		return OpenBadgerStore(opts.BadgerPath, opts.KeyPrefix)
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", opts.Backend)
	}
}

// fixed per-room key names
const (
	stateKeyName = "state"
	metaKeyName  = "meta"
)

func roomKey(prefix, room, name string) string {
	if prefix == "" {
		prefix = "vchamber"
	}
	return prefix + ":room:" + room + ":" + name
}

// meta is the small informational blob persisted next to the state.
type meta struct {
	SourceID  string    `json:"sourceId"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func encodeRecord(st playback.State) (state []byte, m []byte, err error) {
	if state, err = json.Marshal(st); err != nil {
		return nil, nil, err
	}
	if m, err = json.Marshal(meta{SourceID: st.SourceID, UpdatedAt: time.Now().UTC()}); err != nil {
		return nil, nil, err
	}
	return state, m, nil
}

func decodeState(b []byte) (*playback.State, error) {
	var st playback.State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("store: corrupt state: %w", err)
	}
	return &st, nil
}

func decodeSource(b []byte) (string, error) {
	var m meta
	if err := json.Unmarshal(b, &m); err != nil {
		return "", fmt.Errorf("store: corrupt metadata: %w", err)
	}
	if m.SourceID == "" {
		return "", ErrNotFound
	}
	return m.SourceID, nil
}
