package cache

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"
)

type Entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Fetch returns the cached value for key, refreshing it in the background once
// it is older than ttl. Concurrent misses for the same key share one fetch.
func Fetch[T any](
	store *xsync.Map[string, Entry[T]],
	sfg *singleflight.Group,
	key string,
	ttl time.Duration,
	fn func() (T, error),
) (T, error) {
	entry, ok := store.Load(key)
	if ok {
		if time.Since(entry.fetchedAt) > ttl {
			go func() {
				sfg.Do(key, func() (any, error) {
					result, err := fn()
					if err == nil {
						store.Store(key, Entry[T]{value: result, fetchedAt: time.Now()})
					}
					return nil, nil
				})
			}()
		}
		return entry.value, nil
	}

	v, err, _ := sfg.Do(key, func() (any, error) {
		if e, ok := store.Load(key); ok {
			return e, nil
		}
		res, err := fn()
		if err != nil {
			return nil, err
		}
		newEntry := Entry[T]{value: res, fetchedAt: time.Now()}
		store.Store(key, newEntry)
		return newEntry, nil
	})

	if err != nil {
		var zero T
		return zero, err
	}
	return v.(Entry[T]).value, nil
}

// Peek reports the cached value for key if one exists and is younger than
// ttl. It never triggers a fetch.
func Peek[T any](store *xsync.Map[string, Entry[T]], key string, ttl time.Duration) (T, bool) {
	entry, ok := store.Load(key)
	if !ok || time.Since(entry.fetchedAt) > ttl {
		var zero T
		return zero, false
	}
	return entry.value, true
}

// Put primes the cache with an externally fetched value.
func Put[T any](store *xsync.Map[string, Entry[T]], key string, value T) {
	store.Store(key, Entry[T]{value: value, fetchedAt: time.Now()})
}

// Forget drops a key so the next Fetch goes to the source.
func Forget[T any](store *xsync.Map[string, Entry[T]], key string) {
	store.Delete(key)
}
