package cache

import (
	"sync"
	"time"
)

const defaultCleanupInterval = time.Minute

// cacheEntry wraps a cached value with expiration time
type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) isExpired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// ttlMap is a mutex-guarded map whose entries expire. Expired entries are
// invisible to readers and swept by a background goroutine until close.
type ttlMap[T any] struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry[T]
	now       func() time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newTTLMap[T any](cleanupInterval time.Duration) *ttlMap[T] {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}
	m := &ttlMap[T]{
		entries: make(map[string]*cacheEntry[T]),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.cleanupLoop(cleanupInterval)
	return m
}

// get returns a live value
func (m *ttlMap[T]) get(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (m *ttlMap[T]) set(key string, value T, ttl time.Duration) {
	m.mu.Lock()
	m.entries[key] = &cacheEntry[T]{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
}

// setNX stores value only when key holds no live entry. It reports whether
// the value was stored.
func (m *ttlMap[T]) setNX(key string, value T, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false
	}
	m.entries[key] = &cacheEntry[T]{value: value, expiresAt: m.now().Add(ttl)}
	return true
}

// update applies fn to a live value and restarts its ttl.
func (m *ttlMap[T]) update(key string, ttl time.Duration, fn func(T) T) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		var zero T
		return zero, false
	}
	e.value = fn(e.value)
	e.expiresAt = m.now().Add(ttl)
	return e.value, true
}

func (m *ttlMap[T]) delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// size counts entries including expired ones not yet swept
func (m *ttlMap[T]) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// live must be called with mu held.
func (m *ttlMap[T]) live(key string) (*cacheEntry[T], bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.isExpired(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *ttlMap[T]) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if e.isExpired(now) {
			delete(m.entries, k)
		}
	}
}

func (m *ttlMap[T]) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// close stops the sweeper. Safe to call multiple times.
func (m *ttlMap[T]) close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}
