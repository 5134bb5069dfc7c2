// Package store persists the server's non-fleet state in a single bbolt
// file: operator accounts, API tokens, the applied license token and
// free-form settings. Fleet state (hosts, inventory, queue) lives in the
// relational database, not here.
package store

import (
	"bytes"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketOperators = []byte("operators")
	bucketAPITokens = []byte("api_tokens")
	bucketSettings  = []byte("settings")
	bucketLicense   = []byte("license")
)

var keyLicenseToken = []byte("token")

// Store wraps a bbolt database for server state persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOperators, bucketAPITokens, bucketSettings, bucketLicense} {
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

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- index key helpers ----

var indexPrefix = []byte("idx::")

func isIndexKey(k []byte) bool {
	return bytes.HasPrefix(k, indexPrefix)
}

func operatorIndexKey(username string) []byte {
	return []byte("idx::username::" + username)
}

func tokenHashIndexKey(hash string) []byte {
	return []byte("idx::hash::" + hash)
}

func tokenOperatorIndexKey(operatorID, tokenID string) []byte {
	return []byte("idx::operator::" + operatorID + "::" + tokenID)
}

func tokenOperatorIndexPrefix(operatorID string) []byte {
	return []byte("idx::operator::" + operatorID + "::")
}

// ---- settings ----

// SaveSetting stores a free-form setting value under the key.
func (s *Store) SaveSetting(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(value))
	})
}

// LoadSetting returns the setting value, or "" when unset.
func (s *Store) LoadSetting(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketSettings).Get([]byte(key)); v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

// ---- license ----

// SaveLicenseToken persists the applied license token.
func (s *Store) SaveLicenseToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLicense).Put(keyLicenseToken, []byte(token))
	})
}

// LicenseToken returns the stored license token, or "" when none was
// ever applied.
func (s *Store) LicenseToken() (string, error) {
	var token string
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketLicense).Get(keyLicenseToken); v != nil {
			token = string(v)
		}
		return nil
	})
	return token, err
}
