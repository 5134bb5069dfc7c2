package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/sysmanage/sysmanage-server/internal/auth"
)

// CreateAPIToken persists an API token with its hash and operator indexes.
func (s *Store) CreateAPIToken(token auth.APIToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal api token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		if err := b.Put([]byte(token.ID), data); err != nil {
			return err
		}
		if err := b.Put(tokenHashIndexKey(token.TokenHash), []byte(token.ID)); err != nil {
			return err
		}
		return b.Put(tokenOperatorIndexKey(token.OperatorID, token.ID), []byte(""))
	})
}

// GetAPITokenByHash retrieves an API token by its SHA-256 hash.
func (s *Store) GetAPITokenByHash(hash string) (*auth.APIToken, error) {
	var token auth.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		idBytes := b.Get(tokenHashIndexKey(hash))
		if idBytes == nil {
			return auth.ErrTokenNotFound
		}
		v := b.Get(idBytes)
		if v == nil {
			return fmt.Errorf("api token index orphan for hash %q", hash)
		}
		return json.Unmarshal(v, &token)
	})
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// UpdateAPIToken rewrites a token record, keeping the hash index in step.
func (s *Store) UpdateAPIToken(token auth.APIToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal api token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		existing := b.Get([]byte(token.ID))
		if existing == nil {
			return auth.ErrTokenNotFound
		}
		var old auth.APIToken
		if err := json.Unmarshal(existing, &old); err == nil && old.TokenHash != token.TokenHash {
			if err := b.Delete(tokenHashIndexKey(old.TokenHash)); err != nil {
				return err
			}
			if err := b.Put(tokenHashIndexKey(token.TokenHash), []byte(token.ID)); err != nil {
				return err
			}
		}
		return b.Put([]byte(token.ID), data)
	})
}

// DeleteAPIToken removes an API token and all its indexes. Idempotent.
func (s *Store) DeleteAPIToken(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}
		var token auth.APIToken
		if err := json.Unmarshal(v, &token); err != nil {
			// Can't parse — still delete the primary key.
			return b.Delete([]byte(id))
		}

		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if err := b.Delete(tokenHashIndexKey(token.TokenHash)); err != nil {
			return err
		}
		return b.Delete(tokenOperatorIndexKey(token.OperatorID, token.ID))
	})
}

// ListAPITokensForOperator returns all API tokens owned by the operator.
func (s *Store) ListAPITokensForOperator(operatorID string) ([]auth.APIToken, error) {
	var tokens []auth.APIToken
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPITokens)
		prefix := tokenOperatorIndexPrefix(operatorID)
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			tokenID := string(k[len(prefix):])
			v := b.Get([]byte(tokenID))
			if v == nil {
				continue
			}
			var token auth.APIToken
			if err := json.Unmarshal(v, &token); err != nil {
				continue
			}
			tokens = append(tokens, token)
		}
		return nil
	})
	return tokens, err
}

// deleteTokensForOperator cascades token deletion inside an operator
// delete transaction.
func deleteTokensForOperator(tx *bolt.Tx, operatorID string) error {
	b := tx.Bucket(bucketAPITokens)
	prefix := tokenOperatorIndexPrefix(operatorID)
	c := b.Cursor()

	// Collect keys first; mutating during iteration is unsafe.
	var tokenIDs []string
	var indexKeys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		tokenIDs = append(tokenIDs, string(k[len(prefix):]))
		keyCopy := make([]byte, len(k))
		copy(keyCopy, k)
		indexKeys = append(indexKeys, keyCopy)
	}

	for i, id := range tokenIDs {
		if v := b.Get([]byte(id)); v != nil {
			var token auth.APIToken
			if err := json.Unmarshal(v, &token); err == nil {
				_ = b.Delete(tokenHashIndexKey(token.TokenHash))
			}
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if err := b.Delete(indexKeys[i]); err != nil {
			return err
		}
	}
	return nil
}
