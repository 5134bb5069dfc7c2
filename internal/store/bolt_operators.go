package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/sysmanage/sysmanage-server/internal/auth"
)

// CreateOperator persists a new operator and its username index
// atomically. Fails if the username is already taken.
func (s *Store) CreateOperator(op auth.Operator) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operator: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperators)
		if existing := b.Get(operatorIndexKey(op.Username)); existing != nil {
			return auth.ErrUsernameTaken
		}
		if err := b.Put([]byte(op.ID), data); err != nil {
			return err
		}
		return b.Put(operatorIndexKey(op.Username), []byte(op.ID))
	})
}

// CreateFirstOperator atomically creates the initial account only if no
// operators exist. Returns auth.ErrOperatorsExist otherwise.
func (s *Store) CreateFirstOperator(op auth.Operator) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operator: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperators)

		// Count non-index keys. If any exist, another account beat us.
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				return auth.ErrOperatorsExist
			}
		}

		if err := b.Put([]byte(op.ID), data); err != nil {
			return err
		}
		return b.Put(operatorIndexKey(op.Username), []byte(op.ID))
	})
}

// GetOperator retrieves an operator by ID.
func (s *Store) GetOperator(id string) (*auth.Operator, error) {
	var op auth.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketOperators).Get([]byte(id))
		if v == nil {
			return auth.ErrOperatorNotFound
		}
		return json.Unmarshal(v, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// GetOperatorByUsername retrieves an operator by their unique username.
func (s *Store) GetOperatorByUsername(username string) (*auth.Operator, error) {
	var op auth.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperators)
		idBytes := b.Get(operatorIndexKey(username))
		if idBytes == nil {
			return auth.ErrOperatorNotFound
		}
		v := b.Get(idBytes)
		if v == nil {
			return fmt.Errorf("operator %q index orphan", username)
		}
		return json.Unmarshal(v, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// UpdateOperator rewrites an operator record. If the username changed,
// the secondary index rotates atomically.
func (s *Store) UpdateOperator(op auth.Operator) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operator: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperators)

		existing := b.Get([]byte(op.ID))
		if existing == nil {
			return auth.ErrOperatorNotFound
		}
		var old auth.Operator
		if err := json.Unmarshal(existing, &old); err != nil {
			return fmt.Errorf("unmarshal existing operator: %w", err)
		}

		if old.Username != op.Username {
			if v := b.Get(operatorIndexKey(op.Username)); v != nil {
				return auth.ErrUsernameTaken
			}
			if err := b.Delete(operatorIndexKey(old.Username)); err != nil {
				return err
			}
			if err := b.Put(operatorIndexKey(op.Username), []byte(op.ID)); err != nil {
				return err
			}
		}

		return b.Put([]byte(op.ID), data)
	})
}

// DeleteOperator removes an operator, its username index, and all of its
// API tokens in a single transaction.
func (s *Store) DeleteOperator(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketOperators)

		v := ob.Get([]byte(id))
		if v == nil {
			return auth.ErrOperatorNotFound
		}
		var op auth.Operator
		if err := json.Unmarshal(v, &op); err != nil {
			return fmt.Errorf("unmarshal operator: %w", err)
		}

		if err := ob.Delete([]byte(id)); err != nil {
			return err
		}
		if err := ob.Delete(operatorIndexKey(op.Username)); err != nil {
			return err
		}

		return deleteTokensForOperator(tx, id)
	})
}

// ListOperators returns all operator accounts.
func (s *Store) ListOperators() ([]auth.Operator, error) {
	var ops []auth.Operator
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOperators).ForEach(func(k, v []byte) error {
			if isIndexKey(k) {
				return nil
			}
			var op auth.Operator
			if err := json.Unmarshal(v, &op); err != nil {
				return nil // skip malformed records
			}
			ops = append(ops, op)
			return nil
		})
	})
	return ops, err
}

// OperatorCount returns the number of operator records.
func (s *Store) OperatorCount() (int, error) {
	var count int
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperators).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if !isIndexKey(k) {
				count++
			}
		}
		return nil
	})
	return count, err
}
