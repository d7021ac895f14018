package repository

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local KVStore used when Redis is unavailable.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	rateLimits map[string]*rateLimitEntry
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		rateLimits: make(map[string]*rateLimitEntry),
		now:        time.Now,
	}
}

func (r *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return "", false, nil
	}
	if e.expired(r.now()) {
		delete(r.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (r *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = r.entry(value, ttl)
	return nil
}

func (r *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && !e.expired(r.now()) {
		return false, nil
	}
	r.entries[key] = r.entry(value, ttl)
	return true, nil
}

func (r *MemoryStore) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}

func (r *MemoryStore) entry(value string, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = r.now().Add(ttl)
	}
	return e
}

type rateLimitEntry struct {
	count     int
	expiresAt time.Time
}

func (r *MemoryStore) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, ok := r.rateLimits[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &rateLimitEntry{count: 1, expiresAt: now.Add(window)}
		r.rateLimits[key] = entry
	} else {
		entry.count++
	}
	return entry.count <= limit, nil
}
