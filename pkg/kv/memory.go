package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

const janitorInterval = 30 * time.Second

type memEntry struct {
	expiresAt time.Time // zero means no expiry
	str       string
	counter   int64
	hash      map[string]int64
	set       map[string]struct{}
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is a TTL-aware in-process Store for lite mode and tests. A
// janitor goroutine sweeps expired entries; reads also treat expired
// entries as absent so correctness never depends on sweep timing.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemory creates a store with a background janitor.
func NewMemory() *Memory {
	m := newMemory(time.Now)
	go m.janitor()
	return m
}

// NewMemoryWithClock creates a store without a janitor, using the given
// clock. Intended for tests.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return newMemory(now)
}

func newMemory(now func() time.Time) *Memory {
	return &Memory{
		entries: make(map[string]*memEntry),
		now:     now,
		stop:    make(chan struct{}),
	}
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := m.now()
			m.mu.Lock()
			for k, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

// live returns the entry at key if present and unexpired, pruning it
// otherwise. Caller holds m.mu.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) ttlToDeadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.entries[key] = &memEntry{str: value, expiresAt: m.ttlToDeadline(ttl)}
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", false, nil
	}
	if e.str != "" || e.counter == 0 {
		return e.str, true, nil
	}
	return strconv.FormatInt(e.counter, 10), true, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{expiresAt: m.ttlToDeadline(ttl)}
		m.entries[key] = e
	}
	e.counter++
	return e.counter, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{hash: make(map[string]int64), expiresAt: m.ttlToDeadline(ttl)}
		m.entries[key] = e
	}
	if e.hash == nil {
		e.hash = make(map[string]int64)
	}
	e.hash[field] += delta
	return e.hash[field], nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	e := m.live(key)
	if e == nil {
		return out, nil
	}
	for f, v := range e.hash {
		out[f] = strconv.FormatInt(v, 10)
	}
	return out, nil
}

func (m *Memory) SAdd(_ context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{set: make(map[string]struct{}), expiresAt: m.ttlToDeadline(ttl)}
		m.entries[key] = e
	}
	if e.set == nil {
		e.set = make(map[string]struct{})
	}
	e.set[member] = struct{}{}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil, nil
	}
	members := make([]string, 0, len(e.set))
	for member := range e.set {
		members = append(members, member)
	}
	return members, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close stops the janitor. Safe to call multiple times.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

// Len reports live entries; used by tests.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
