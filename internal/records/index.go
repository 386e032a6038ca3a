package records

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/go-set/v3"

	"github.com/anchal00/nextup/internal/kv"
)

// indexCASAttempts bounds the read-modify-write loop on one index list.
const indexCASAttempts = 8

// indexer keeps the by-player and by-host lists in line with record
// membership. The lists are caches: readers re-check every id they find.
type indexer struct {
	kv kv.Store
}

// reconcile applies the membership difference between prev and next to the
// index lists of the record. A nil prev is a create, a nil next a delete.
func (ix *indexer) reconcile(ctx context.Context, kind Kind, id string, prev, next *Record) error {
	ns := kind.namespace()
	before := set.From(prev.Members())
	after := set.From(next.Members())

	var errs []error
	for _, p := range after.Slice() {
		if !before.Contains(p) {
			errs = append(errs, ix.add(ctx, ns.PlayerIndexKey(p), id))
		}
	}
	for _, p := range before.Slice() {
		if !after.Contains(p) {
			errs = append(errs, ix.remove(ctx, ns.PlayerIndexKey(p), id))
		}
	}

	prevHost, nextHost := hostOf(prev), hostOf(next)
	if prevHost != nextHost {
		if prevHost != "" {
			errs = append(errs, ix.remove(ctx, ns.HostIndexKey(prevHost), id))
		}
		if nextHost != "" {
			errs = append(errs, ix.add(ctx, ns.HostIndexKey(nextHost), id))
		}
	}
	return errors.Join(errs...)
}

func (ix *indexer) add(ctx context.Context, key, id string) error {
	return ix.mutate(ctx, key, func(ids []string) ([]string, bool) {
		if slices.Contains(ids, id) {
			return ids, false
		}
		return append(ids, id), true
	})
}

func (ix *indexer) remove(ctx context.Context, key, id string) error {
	return ix.mutate(ctx, key, func(ids []string) ([]string, bool) {
		if !slices.Contains(ids, id) {
			return ids, false
		}
		return remove(ids, id), true
	})
}

func (ix *indexer) mutate(ctx context.Context, key string, fn func([]string) ([]string, bool)) error {
	for attempt := 0; attempt < indexCASAttempts; attempt++ {
		old, err := ix.kv.Get(ctx, key)
		if errors.Is(err, kv.ErrKeyNotFound) {
			old = nil
		} else if err != nil {
			return fmt.Errorf("read index %s: %w", key, err)
		}
		ids, err := decodeIDs(old)
		if err != nil {
			return fmt.Errorf("decode index %s: %w", key, err)
		}
		next, changed := fn(ids)
		if !changed {
			return nil
		}
		data, err := encodeIDs(next)
		if err != nil {
			return err
		}
		ok, err := ix.kv.CompareAndSwap(ctx, key, old, data)
		if err != nil {
			return fmt.Errorf("write index %s: %w", key, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("index %s: gave up after %d contended writes", key, indexCASAttempts)
}

func (ix *indexer) lookup(ctx context.Context, key string) ([]string, error) {
	data, err := ix.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeIDs(data)
}

func hostOf(r *Record) string {
	if r == nil {
		return ""
	}
	return r.HostID
}
