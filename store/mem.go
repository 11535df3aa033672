package store

import (
	"context"
	"sync"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
)

// MemStore keeps encoded records in process memory. Nothing survives a
// restart, it exists for single-node setups and tests.
type MemStore struct {
	m     map[string][]byte
	mutex sync.RWMutex
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string][]byte)}
}

func (s *MemStore) Hydrate(ctx context.Context, room string) (*playback.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mutex.RLock()
	b, ok := s.m[roomKey("", room, stateKeyName)]
	s.mutex.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeState(b)
}

func (s *MemStore) Persist(ctx context.Context, room string, st playback.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, m, err := encodeRecord(st)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.m[roomKey("", room, stateKeyName)] = state
	s.m[roomKey("", room, metaKeyName)] = m
	s.mutex.Unlock()
	return nil
}

func (s *MemStore) Clear(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mutex.Lock()
	delete(s.m, roomKey("", room, stateKeyName))
	delete(s.m, roomKey("", room, metaKeyName))
	s.mutex.Unlock()
	return nil
}

func (s *MemStore) Source(ctx context.Context, room string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mutex.RLock()
	b, ok := s.m[roomKey("", room, metaKeyName)]
	s.mutex.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return decodeSource(b)
}

func (s *MemStore) Close() error { return nil }
