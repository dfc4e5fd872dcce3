package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openboard/openboard/internal/domain"
)

// ChatHistoryStore keeps a sliding window of AI conversation messages per
// (board, user). Best-effort: a cache outage loses history, nothing else.
type ChatHistoryStore struct {
	rdb *redis.Client
	max int
	ttl time.Duration
}

func NewChatHistoryStore(rdb *redis.Client, maxMessages int, ttl time.Duration) *ChatHistoryStore {
	return &ChatHistoryStore{rdb: rdb, max: maxMessages, ttl: ttl}
}

func (s *ChatHistoryStore) Append(ctx context.Context, boardID, userID string, msg domain.ChatMessage) error {
	observe("chat_append")
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := chatKey(boardID, userID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.LTrim(ctx, key, int64(-s.max), -1)
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the window oldest first.
func (s *ChatHistoryStore) Get(ctx context.Context, boardID, userID string) ([]domain.ChatMessage, error) {
	observe("chat_get")
	raws, err := s.rdb.LRange(ctx, chatKey(boardID, userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	messages := make([]domain.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *ChatHistoryStore) Purge(ctx context.Context, boardID, userID string) error {
	observe("chat_purge")
	return s.rdb.Del(ctx, chatKey(boardID, userID)).Err()
}

// PurgeAll clears every user's buffer on a board.
func (s *ChatHistoryStore) PurgeAll(ctx context.Context, boardID string) error {
	observe("chat_purge_all")
	keys, err := scanKeys(ctx, s.rdb, chatKey(boardID, "*"))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return err
		}
	}
	return nil
}
