package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when a key has no value
var ErrNotFound = errors.New("key not found")

// Entry is a single key/value pair returned by List
type Entry struct {
	Key   string
	Value []byte
}

// Reader is the read side shared by stores and transactions
type Reader interface {
	Get(key string) ([]byte, error)
	// List returns all entries whose key starts with prefix, ordered by key
	List(prefix string) ([]Entry, error)
}

// Txn is an atomic unit of work. Writes become visible only when the
// function passed to Update returns nil.
type Txn interface {
	Reader
	Set(key string, value []byte) error
	Delete(key string) error
}

// Store is the durable, per-key serializing key-value collaborator.
// Every mutation goes through Update so a failed operation leaves no
// partial writes behind.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
	Update(ctx context.Context, fn func(tx Txn) error) error
	View(ctx context.Context, fn func(r Reader) error) error
	Close() error
}

// GetJSON decodes the value at key into v
func GetJSON(r Reader, key string, v any) error {
	data, err := r.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it at key
func SetJSON(tx Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return tx.Set(key, data)
}
