// Package record defines the durable-record interface the key store and
// rate limiter persist through, plus an in-process implementation. Storage
// technology is swappable: implementations guarantee atomic single-record
// upsert and nothing more (no multi-record transactions).
package record

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no record exists under the key.
	ErrNotFound = errors.New("record: not found")
	// ErrUnavailable indicates the backing store could not be reached.
	// Callers must never conflate this with ErrNotFound: "the credential is
	// invalid" and "we could not check" are different outcomes.
	ErrUnavailable = errors.New("record: store unavailable")
)

// Record is one stored key/value pair.
type Record struct {
	Key   string
	Value []byte
}

// Store is the abstract durable-record store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ListByPrefix(ctx context.Context, prefix string) ([]Record, error)
}
