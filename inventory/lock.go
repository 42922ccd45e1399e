package inventory

import (
	"context"
	"sort"
	"sync"
)

// Locker serializes work on named keys. Lock acquires every key (in sorted
// order, so two callers never deadlock on overlapping sets) and returns a
// func releasing all of them.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}

// LogKey and MaterialKey name the lock for a log or a material.
func LogKey(id LogID) string           { return "log:" + string(id) }
func MaterialKey(id MaterialID) string { return "material:" + string(id) }

// SortedKeys de-duplicates and sorts keys.
func SortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// KEYED MUTEX - in-process Locker
// =============================================================================

// KeyedMutex is a Locker for a single process. Each key is a one-slot
// channel so a waiter can give up when its context ends.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*keySlot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = SortedKeys(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.unlock(held[i])
		}
	}
	for _, key := range keys {
		if err := k.lock(ctx, key); err != nil {
			release()
			return nil, Transient("lock "+key, err)
		}
		held = append(held, key)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (k *KeyedMutex) lock(ctx context.Context, key string) error {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &keySlot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.drop(key, s)
		return ctx.Err()
	}
}

func (k *KeyedMutex) unlock(key string) {
	k.mu.Lock()
	s := k.slots[key]
	k.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	k.drop(key, s)
}

func (k *KeyedMutex) drop(key string, s *keySlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}
