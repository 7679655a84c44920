package memory

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Session holds the lightweight per-conversation state that survives
// between turns: what the user last asked and what was answered, so a
// short_term-routed follow-up can be served without retrieval.
type Session struct {
	ID            string
	UserID        string
	LastQueryType string
	LastQuestion  string
	LastAnswer    string
	UpdatedAt     time.Time
}

// SessionRepository keeps sessions in process memory with expiry.
type SessionRepository struct {
	cache *cache.Cache
}

func NewSessionRepository() *SessionRepository {
	// Create a cache with a default expiration time of 1 hour, and which
	// purges expired items every 10 minutes
	c := cache.New(1*time.Hour, 10*time.Minute)
	return &SessionRepository{
		cache: c,
	}
}

func (r *SessionRepository) Save(session *Session) {
	session.UpdatedAt = time.Now()
	r.cache.Set(session.ID, session, cache.DefaultExpiration)
}

func (r *SessionRepository) Get(sessionID string) (*Session, bool) {
	if x, found := r.cache.Get(sessionID); found {
		return x.(*Session), true
	}
	return nil, false
}

func (r *SessionRepository) Delete(sessionID string) {
	r.cache.Delete(sessionID)
}
