package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Key prefixes for the logical caches. Keys are always sha256 digests so
// raw question text never lands in the store.
const (
	prefixQuery     = "q:"
	prefixPlanning  = "p:"
	prefixRetrieval = "r:"
	prefixClue      = "c:"
)

// Manager exposes the engine's logical caches, each with its own privacy
// rule, on one shared Backend:
//
//   - query cache: precision-rewrite results, keyed (query, context, user).
//   - planning cache: ALWAYS keyed including the user id, even with empty
//     context, because planning output can restate identifying fragments
//     of the question.
//   - retrieval cache: keyed (query, sorted datasource ids). The caller
//     must never store the main question here; only derived sub-questions
//     are eligible (enforced by the retriever).
//   - clue cache: per-user namespace, keyed (question, sorted doc names).
type Manager struct {
	backend      Backend
	queryTTL     time.Duration
	planningTTL  time.Duration
	retrievalTTL time.Duration
	clueTTL      time.Duration
}

// TTLConfig carries per-cache lifetimes. Zero values fall back to the
// backend default.
type TTLConfig struct {
	Query     time.Duration
	Planning  time.Duration
	Retrieval time.Duration
	Clue      time.Duration
}

func NewManager(backend Backend, ttl TTLConfig) *Manager {
	return &Manager{
		backend:      backend,
		queryTTL:     ttl.Query,
		planningTTL:  ttl.Planning,
		retrievalTTL: ttl.Retrieval,
		clueTTL:      ttl.Clue,
	}
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0}) // separator so ("ab","c") != ("a","bc")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// --- query cache ---

func (m *Manager) QueryKey(query, contextText, userID string) string {
	return prefixQuery + digest(query, contextText, userID)
}

func (m *Manager) GetQuery(ctx context.Context, key string) (string, bool) {
	val, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		return "", false
	}
	return val, ok
}

func (m *Manager) SetQuery(ctx context.Context, key, value string) {
	_ = m.backend.Set(ctx, key, value, m.queryTTL)
}

// --- planning cache ---

// PlanningKey includes userID unconditionally; see the privacy rule above.
func (m *Manager) PlanningKey(query, contextText, userID string) string {
	return prefixPlanning + digest(query, contextText, userID)
}

func (m *Manager) GetPlanning(ctx context.Context, key string) (string, bool) {
	val, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		return "", false
	}
	return val, ok
}

func (m *Manager) SetPlanning(ctx context.Context, key, value string) {
	_ = m.backend.Set(ctx, key, value, m.planningTTL)
}

// --- retrieval cache ---

func (m *Manager) RetrievalKey(query string, datasourceIDs []string) string {
	ids := append([]string(nil), datasourceIDs...)
	sort.Strings(ids)
	return prefixRetrieval + digest(query, strings.Join(ids, ","))
}

func (m *Manager) GetRetrieval(ctx context.Context, key string) (string, bool) {
	val, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		return "", false
	}
	return val, ok
}

func (m *Manager) SetRetrieval(ctx context.Context, key, value string) {
	_ = m.backend.Set(ctx, key, value, m.retrievalTTL)
}

// --- clue cache ---

// ClueKey namespaces by user so one user's extraction never leaks into
// another user's request, then hashes (question, sorted doc names).
func (m *Manager) ClueKey(userID, question string, docNames []string) string {
	names := append([]string(nil), docNames...)
	sort.Strings(names)
	return prefixClue + digest(userID) + ":" + digest(question, strings.Join(names, ","))
}

func (m *Manager) GetClue(ctx context.Context, key string) (string, bool) {
	val, ok, err := m.backend.Get(ctx, key)
	if err != nil {
		return "", false
	}
	return val, ok
}

func (m *Manager) SetClue(ctx context.Context, key, value string) {
	_ = m.backend.Set(ctx, key, value, m.clueTTL)
}

// ClearUser drops every clue entry belonging to one user.
func (m *Manager) ClearUser(ctx context.Context, userID string) error {
	return m.backend.Clear(ctx, prefixClue+digest(userID)+":")
}
