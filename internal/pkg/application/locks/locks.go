package locks

import "sync"

// KeyedMutex serializes work per key, e.g. per entity id. Locks for keys that are
// not in use are released so the map does not grow with the number of entities.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func New() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*entry{}}
}

// Lock blocks until key is free and returns the function that releases it
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
