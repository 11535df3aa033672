package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/UoB-Cloud-Computing-2018-KLS/vchamber/playback"
)

// BadgerStore persists rooms in an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

// OpenBadgerStore opens (or creates) the database at path.
func OpenBadgerStore(path string, prefix string) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("store: badger path is required")
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("store: open badger: %w", err)
	}
	return NewBadgerStore(db, prefix), nil
}

// NewBadgerStore wraps an open database. The store owns db from now on.
func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	return &BadgerStore{db: db, prefix: prefix}
}

func (s *BadgerStore) get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (s *BadgerStore) Hydrate(ctx context.Context, room string) (*playback.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.get(roomKey(s.prefix, room, stateKeyName))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeState(b)
}

func (s *BadgerStore) Persist(ctx context.Context, room string, st playback.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, m, err := encodeRecord(st)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(roomKey(s.prefix, room, stateKeyName)), state); err != nil {
			return err
		}
		return txn.Set([]byte(roomKey(s.prefix, room, metaKeyName)), m)
	})
}

func (s *BadgerStore) Clear(ctx context.Context, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(roomKey(s.prefix, room, stateKeyName))); err != nil {
			return err
		}
		return txn.Delete([]byte(roomKey(s.prefix, room, metaKeyName)))
	})
}

func (s *BadgerStore) Source(ctx context.Context, room string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := s.get(roomKey(s.prefix, room, metaKeyName))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return decodeSource(b)
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
