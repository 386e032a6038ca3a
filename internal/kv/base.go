//go:generate mockery --with-expecter=true --name=Store --output=./mocks
package kv

import (
	"context"
	"errors"
)

var ErrKeyNotFound = errors.New("kv: key not found")

// Store is the external key-value capability. It gives no multi-key
// transactions; CompareAndSwap is atomic for a single key only.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete of a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns keys with the given prefix in byte order, strictly after
	// cursor. Page.Next is empty when there is nothing left.
	List(ctx context.Context, prefix, cursor string, limit int) (Page, error)
	// CompareAndSwap writes value only if the current value equals old. A nil
	// old means the key must be absent.
	CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error)
	Close() error
}

type Page struct {
	Keys []string
	Next string
}

const DefaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}

// prefixEnd returns the smallest key greater than every key carrying prefix,
// or "" when no such key exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// page trims keys fetched with limit+1 into a Page.
func page(keys []string, limit int) Page {
	if len(keys) > limit {
		keys = keys[:limit]
		return Page{Keys: keys, Next: keys[len(keys)-1]}
	}
	return Page{Keys: keys}
}
