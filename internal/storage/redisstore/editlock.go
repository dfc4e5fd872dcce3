package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openboard/openboard/internal/domain"
)

// EditLockStore holds one short-TTL record per (board, object) naming the
// current exclusive editor. Locks drive conflict warnings only; they never
// block mutations.
type EditLockStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewEditLockStore(rdb *redis.Client, ttl time.Duration) *EditLockStore {
	return &EditLockStore{rdb: rdb, ttl: ttl}
}

// StartEdit claims the lock when vacant, refreshes it when the requester
// already holds it, and otherwise returns the current holder with
// claimed=false.
func (s *EditLockStore) StartEdit(ctx context.Context, boardID, objectID, userID, userName string) (*domain.EditLock, bool, error) {
	observe("edit_start")
	key := editLockKey(boardID, objectID)
	lock := domain.EditLock{
		BoardID:   boardID,
		ObjectID:  objectID,
		UserID:    userID,
		UserName:  userName,
		StartedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(lock)
	if err != nil {
		return nil, false, err
	}

	ok, err := s.rdb.SetNX(ctx, key, raw, s.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return &lock, true, nil
	}

	existing, err := s.get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// expired between SETNX and GET; claim it
		if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
			return nil, false, err
		}
		return &lock, true, nil
	}
	if existing.UserID == userID {
		// same user re-selecting: refresh TTL, keep original start time
		existing.UserName = userName
		refreshed, err := json.Marshal(existing)
		if err != nil {
			return nil, false, err
		}
		if err := s.rdb.Set(ctx, key, refreshed, s.ttl).Err(); err != nil {
			return nil, false, err
		}
		return existing, true, nil
	}
	return existing, false, nil
}

// EndEdit releases the lock only when the requester is the holder.
func (s *EditLockStore) EndEdit(ctx context.Context, boardID, objectID, userID string) error {
	observe("edit_end")
	key := editLockKey(boardID, objectID)
	existing, err := s.get(ctx, key)
	if err != nil || existing == nil {
		return err
	}
	if existing.UserID != userID {
		return nil
	}
	return s.rdb.Del(ctx, key).Err()
}

// ClearUserEdits drops every lock the user holds on the board (disconnect
// path) and returns the affected object ids.
func (s *EditLockStore) ClearUserEdits(ctx context.Context, boardID, userID string) ([]string, error) {
	observe("edit_clear_user")
	keys, err := scanKeys(ctx, s.rdb, editLockKey(boardID, "*"))
	if err != nil {
		return nil, err
	}
	var cleared []string
	for _, key := range keys {
		lock, err := s.get(ctx, key)
		if err != nil {
			return cleared, err
		}
		if lock == nil || lock.UserID != userID {
			continue
		}
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return cleared, err
		}
		cleared = append(cleared, lock.ObjectID)
	}
	return cleared, nil
}

// CountActive returns the number of live locks across all boards. Redis TTL
// expiry is silent, so gauges are derived from this count instead of being
// incremented and decremented around claims.
func (s *EditLockStore) CountActive(ctx context.Context) (int, error) {
	observe("edit_count")
	keys, err := scanKeys(ctx, s.rdb, "edit:*")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *EditLockStore) get(ctx context.Context, key string) (*domain.EditLock, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lock domain.EditLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}
