package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"streda-bridge/internal/streda"
)

var (
	bucketAuth     = []byte("auth")
	bucketTopology = []byte("topology")
	keyRefresh     = []byte("refresh_token")
	keyTopology    = []byte("system")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketAuth, bucketTopology} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveRefreshToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAuth)
		}
		return b.Put(keyRefresh, []byte(token))
	})
}

func (s *BoltStore) GetRefreshToken() (string, error) {
	var token string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuth)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketAuth)
		}
		data := b.Get(keyRefresh)
		if data == nil {
			return fmt.Errorf("refresh token: %w", ErrNotFound)
		}
		token = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *BoltStore) SaveTopology(topo streda.Topology) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTopology)
		}
		data, err := json.Marshal(topo)
		if err != nil {
			return err
		}
		return b.Put(keyTopology, data)
	})
}

func (s *BoltStore) GetTopology() (streda.Topology, error) {
	var topo streda.Topology
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketTopology)
		}
		data := b.Get(keyTopology)
		if data == nil {
			return fmt.Errorf("topology: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &topo)
	})
	if err != nil {
		return nil, err
	}
	return topo, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
