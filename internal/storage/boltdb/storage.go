// Package boltdb implements the storage contract on a local bbolt file.
// It is the default durable store for device replicas and the offline queue.
package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/courtside/scoresync/internal/storage"
)

// Storage is a bbolt-backed store. Each entity kind maps to one bucket.
type Storage struct {
	db *bbolt.DB
}

// New opens (or creates) the database file at dbPath.
func New(_ context.Context, dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close closes the database file.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Storage) Get(_ context.Context, kind, id string) ([]byte, error) {
	if s.db == nil {
		return nil, storage.ErrClosed
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return storage.ErrNotFound
		}
		data := b.Get([]byte(id))
		if data == nil {
			return storage.ErrNotFound
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) Put(_ context.Context, kind, id string, data []byte) error {
	if s.db == nil {
		return storage.ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(kind))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", kind, err)
		}
		return b.Put([]byte(id), data)
	})
}

func (s *Storage) Delete(_ context.Context, kind, id string) error {
	if s.db == nil {
		return storage.ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}

func (s *Storage) List(_ context.Context, kind string) (map[string][]byte, error) {
	if s.db == nil {
		return nil, storage.ErrClosed
	}
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[string(k)] = cp
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) ExportAll(_ context.Context) (storage.Export, error) {
	if s.db == nil {
		return nil, storage.ErrClosed
	}
	out := make(storage.Export)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			kind := string(name)
			out[kind] = make(map[string][]byte)
			return b.ForEach(func(k, v []byte) error {
				cp := make([]byte, len(v))
				copy(cp, v)
				out[kind][string(k)] = cp
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) ImportAll(_ context.Context, data storage.Export) error {
	if s.db == nil {
		return storage.ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		for kind, entities := range data {
			b, err := tx.CreateBucketIfNotExists([]byte(kind))
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", kind, err)
			}
			for id, raw := range entities {
				if err := b.Put([]byte(id), raw); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
