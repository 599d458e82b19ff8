// Package keylock serializes read-modify-write sequences per key.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex hands out an exclusive lock per key. Entries are dropped once
// no goroutine holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}

// Upsert runs the lock, re-check, skip-if-unchanged sequence: load reads the
// stored value, unchanged compares it with the desired state, store writes.
// It reports whether a write happened.
func Upsert[T any](k *KeyedMutex, key string, load func() (T, bool, error), unchanged func(stored T) bool, store func() error) (bool, error) {
	unlock := k.Lock(key)
	defer unlock()

	stored, found, err := load()
	if err != nil {
		return false, err
	}
	if found && unchanged(stored) {
		return false, nil
	}
	if err := store(); err != nil {
		return false, err
	}
	return true, nil
}
