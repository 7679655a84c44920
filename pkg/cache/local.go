package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// LocalBackend is an in-process Backend with LRU eviction under capacity
// pressure and per-entry TTL. All operations take the mutex; the backend
// is shared across requests.
//
// patrickmn/go-cache (used for session state elsewhere) has TTL but no
// capacity bound, which this backend needs, hence the hand-rolled LRU.
type LocalBackend struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	entries    map[string]*list.Element
	order      *list.List // front = most recently used

	// now is swappable for tests
	now func() time.Time
}

type localEntry struct {
	key       string
	value     string
	expiresAt time.Time
}

func NewLocalBackend(capacity int, defaultTTL time.Duration) *LocalBackend {
	if capacity <= 0 {
		capacity = 1024
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &LocalBackend{
		capacity:   capacity,
		defaultTTL: defaultTTL,
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		now:        time.Now,
	}
}

var _ Backend = (*LocalBackend)(nil)

func (b *LocalBackend) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	el, ok := b.entries[key]
	if !ok {
		return "", false, nil
	}
	entry := el.Value.(*localEntry)
	if b.now().After(entry.expiresAt) {
		b.order.Remove(el)
		delete(b.entries, key)
		return "", false, nil
	}
	b.order.MoveToFront(el)
	return entry.value, true, nil
}

func (b *LocalBackend) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultTTL
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if el, ok := b.entries[key]; ok {
		entry := el.Value.(*localEntry)
		entry.value = value
		entry.expiresAt = b.now().Add(ttl)
		b.order.MoveToFront(el)
		return nil
	}

	el := b.order.PushFront(&localEntry{
		key:       key,
		value:     value,
		expiresAt: b.now().Add(ttl),
	})
	b.entries[key] = el

	for len(b.entries) > b.capacity {
		oldest := b.order.Back()
		if oldest == nil {
			break
		}
		entry := oldest.Value.(*localEntry)
		b.order.Remove(oldest)
		delete(b.entries, entry.key)
	}
	return nil
}

func (b *LocalBackend) Clear(ctx context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, el := range b.entries {
		if strings.HasPrefix(key, prefix) {
			b.order.Remove(el)
			delete(b.entries, key)
		}
	}
	return nil
}

// Len reports the current number of live entries (expired ones included
// until touched). Intended for tests and metrics.
func (b *LocalBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
