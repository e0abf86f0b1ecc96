package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"pulsar-assistant/internal/domain"
)

var stateBucket = []byte("session_state")

// BoltStore mirrors session state in a single bbolt file. Entries do not
// expire.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("statestore: bolt path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("statestore: open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: create bucket: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) LoadState(_ context.Context, key string) (domain.SessionState, bool, error) {
	var (
		st    domain.SessionState
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(stateBucket).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &st)
	})
	if err != nil {
		return domain.SessionState{}, false, fmt.Errorf("statestore: load state: %w", err)
	}
	if !found {
		return domain.SessionState{}, false, nil
	}
	st.Key = key
	return st, true, nil
}

func (s *BoltStore) SaveState(_ context.Context, st domain.SessionState) error {
	if strings.TrimSpace(st.Key) == "" {
		return errors.New("statestore: session key is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now().UTC()
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("statestore: marshal state: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(st.Key), data)
	})
	if err != nil {
		return fmt.Errorf("statestore: save state: %w", err)
	}
	return nil
}

func (s *BoltStore) DeleteState(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("statestore: delete state: %w", err)
	}
	return nil
}
