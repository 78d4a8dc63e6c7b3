package store

import (
	"context"
	"errors"
)

// Transact runs fn inside a single optimistic read-verify-write attempt on
// key. fn receives the current value (nil when the key is absent) and
// returns the next value; returning ok=false leaves the store untouched.
// Transact returns applied=false without error when the write lost the race
// to a concurrent writer; the caller decides whether to retry.
func Transact(ctx context.Context, kv KV, key string, fn func(current []byte) (next []byte, ok bool, err error)) (applied bool, err error) {
	var (
		current  []byte
		revision uint64
	)
	entry, err := kv.Get(ctx, key)
	switch {
	case err == nil:
		if !entry.Deleted {
			current = entry.Value
		}
		revision = entry.Revision
	case errors.Is(err, ErrNotFound):
		// Absent key: fn sees nil, the write becomes a Create.
	default:
		return false, err
	}

	next, ok, err := fn(current)
	if err != nil || !ok {
		return false, err
	}

	if revision == 0 {
		_, err = kv.Create(ctx, key, next)
	} else {
		_, err = kv.Update(ctx, key, next, revision)
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TransactRetry repeats Transact until the write applies or ctx ends. It is
// meant for writes where fn never declines without an error (own-entry
// inserts and own-sub-path updates); contended one-shot decisions like the
// pairing transaction call Transact directly and treat applied=false as a
// silent abort.
func TransactRetry(ctx context.Context, kv KV, key string, fn func(current []byte) ([]byte, bool, error)) error {
	for {
		applied, err := Transact(ctx, kv, key, fn)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
