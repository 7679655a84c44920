package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"health-assistant-be/pkg/llm"
)

// HistoryStore persists short-term conversation history in Redis, one
// list per (user, session) composite key. There is no global conversation
// store; isolation is by key construction.
type HistoryStore struct {
	client  *redis.Client
	ttl     time.Duration
	maxKeep int64
}

func NewHistoryStore(client *redis.Client, ttl time.Duration, maxKeep int) *HistoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxKeep <= 0 {
		maxKeep = 50
	}
	return &HistoryStore{
		client:  client,
		ttl:     ttl,
		maxKeep: int64(maxKeep),
	}
}

func historyKey(userID, sessionID string) string {
	return fmt.Sprintf("chat:%s:%s", userID, sessionID)
}

// Append pushes one message onto the session's history and trims it to
// the retention window.
func (s *HistoryStore) Append(ctx context.Context, userID, sessionID string, msg llm.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := historyKey(userID, sessionID)

	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -s.maxKeep, -1)
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Recent returns the last n messages in chronological order. Corrupt
// entries are skipped rather than failing the whole load.
func (s *HistoryStore) Recent(ctx context.Context, userID, sessionID string, n int) ([]llm.Message, error) {
	if n <= 0 {
		n = 10
	}
	key := historyKey(userID, sessionID)

	raw, err := s.client.LRange(ctx, key, int64(-n), -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		var msg llm.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		// Map "model" role to "assistant" for provider compatibility
		if msg.Role == "model" {
			msg.Role = "assistant"
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Clear drops one session's history.
func (s *HistoryStore) Clear(ctx context.Context, userID, sessionID string) error {
	return s.client.Del(ctx, historyKey(userID, sessionID)).Err()
}
