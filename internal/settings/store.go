package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketName = []byte("settings")
	currentKey = []byte("current")
)

// Store persists Settings in a bbolt file. The file is held open for the
// life of the process.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the settings file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open settings %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init settings bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the stored settings; an empty store yields the zero Settings.
func (s *Store) Load(ctx context.Context) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}
	var out Settings
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		raw := b.Get(currentKey)
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return out, nil
}

// Save replaces the stored settings.
func (s *Store) Save(ctx context.Context, v Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put(currentKey, payload)
	})
}

// Update applies mutate to the stored settings inside one write transaction.
func (s *Store) Update(ctx context.Context, mutate func(*Settings) error) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}
	var out Settings
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		if raw := b.Get(currentKey); len(raw) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return fmt.Errorf("decode settings: %w", err)
			}
		}
		if err := mutate(&out); err != nil {
			return err
		}
		if err := out.Validate(); err != nil {
			return err
		}
		payload, err := json.Marshal(out)
		if err != nil {
			return err
		}
		return b.Put(currentKey, payload)
	})
	if err != nil {
		return Settings{}, err
	}
	return out, nil
}
