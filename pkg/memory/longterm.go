package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// LongTermMemory is the contract an external memory service fulfills:
// durable, per-user memory fragments searched by relevance.
type LongTermMemory interface {
	Search(ctx context.Context, query, userID string, limit int) ([]string, error)
	Add(ctx context.Context, text, userID string, metadata map[string]string) error
}

// InProcessLongTerm is a naive keyword-overlap implementation, good
// enough for local runs and tests. Production deployments inject a real
// memory service instead.
type InProcessLongTerm struct {
	mu      sync.RWMutex
	entries map[string][]string // userID -> fragments
}

func NewInProcessLongTerm() *InProcessLongTerm {
	return &InProcessLongTerm{
		entries: make(map[string][]string),
	}
}

var _ LongTermMemory = (*InProcessLongTerm)(nil)

func (m *InProcessLongTerm) Add(ctx context.Context, text, userID string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userID] = append(m.entries[userID], text)
	return nil
}

func (m *InProcessLongTerm) Search(ctx context.Context, query, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 3
	}

	m.mu.RLock()
	fragments := append([]string(nil), m.entries[userID]...)
	m.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))

	type scored struct {
		text  string
		score int
	}
	var hits []scored
	for _, frag := range fragments {
		lower := strings.ToLower(frag)
		score := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{frag, score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if len(hits) > limit {
		hits = hits[:limit]
	}
	results := make([]string, len(hits))
	for i, h := range hits {
		results[i] = h.text
	}
	return results, nil
}
