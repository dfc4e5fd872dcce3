package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openboard/openboard/internal/domain"
)

// PresenceStore tracks which user is on which board (short TTL refreshed by
// heartbeats) and binds websocket connections to sessions (long TTL).
type PresenceStore struct {
	rdb         *redis.Client
	presenceTTL time.Duration
	sessionTTL  time.Duration
}

func NewPresenceStore(rdb *redis.Client, presenceTTL, sessionTTL time.Duration) *PresenceStore {
	return &PresenceStore{rdb: rdb, presenceTTL: presenceTTL, sessionTTL: sessionTTL}
}

func (s *PresenceStore) AddUser(ctx context.Context, rec domain.PresenceRecord) error {
	observe("presence_add")
	rec.LastHeartbeat = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, presenceKey(rec.BoardID, rec.UserID), raw, s.presenceTTL).Err()
}

// Refresh re-arms the TTL and stamps the heartbeat. A refresh for an expired
// or unknown record is a no-op; the user must re-join.
func (s *PresenceStore) Refresh(ctx context.Context, boardID, userID string) error {
	observe("presence_refresh")
	key := presenceKey(boardID, userID)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec domain.PresenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	rec.LastHeartbeat = time.Now().UTC()
	updated, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, updated, s.presenceTTL).Err()
}

func (s *PresenceStore) RemoveUser(ctx context.Context, boardID, userID string) error {
	observe("presence_remove")
	return s.rdb.Del(ctx, presenceKey(boardID, userID)).Err()
}

func (s *PresenceStore) ListUsers(ctx context.Context, boardID string) ([]domain.PresenceRecord, error) {
	observe("presence_list")
	keys, err := scanKeys(ctx, s.rdb, presenceKey(boardID, "*"))
	if err != nil {
		return nil, err
	}
	records := make([]domain.PresenceRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and read
		}
		if err != nil {
			return nil, err
		}
		var rec domain.PresenceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}

// RemoveUserFromAllBoards deletes every presence record of the user and
// returns the boards they were on, so the caller can broadcast user:left to
// each. Pattern scan over the presence key space; O(live viewers).
func (s *PresenceStore) RemoveUserFromAllBoards(ctx context.Context, userID string) ([]string, error) {
	observe("presence_remove_all")
	keys, err := scanKeys(ctx, s.rdb, "presence:*:"+userID)
	if err != nil {
		return nil, err
	}
	var boardIDs []string
	for _, key := range keys {
		boardID := strings.TrimSuffix(strings.TrimPrefix(key, "presence:"), ":"+userID)
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return boardIDs, err
		}
		boardIDs = append(boardIDs, boardID)
	}
	return boardIDs, nil
}

// ActiveBoards returns the deduplicated set of boards with at least one live
// presence record. Used by the auto-save worker to enumerate flush targets.
func (s *PresenceStore) ActiveBoards(ctx context.Context) ([]string, error) {
	observe("presence_scan")
	keys, err := scanKeys(ctx, s.rdb, "presence:*")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var boardIDs []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, "presence:")
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			continue
		}
		boardID := rest[:i]
		if !seen[boardID] {
			seen[boardID] = true
			boardIDs = append(boardIDs, boardID)
		}
	}
	sort.Strings(boardIDs)
	return boardIDs, nil
}

func (s *PresenceStore) PutSession(ctx context.Context, sess domain.Session) error {
	observe("session_put")
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, sessionKey(sess.ConnectionID), raw, s.sessionTTL).Err()
}

func (s *PresenceStore) GetSession(ctx context.Context, connectionID string) (*domain.Session, error) {
	observe("session_get")
	raw, err := s.rdb.Get(ctx, sessionKey(connectionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *PresenceStore) RemoveSession(ctx context.Context, connectionID string) error {
	observe("session_remove")
	return s.rdb.Del(ctx, sessionKey(connectionID)).Err()
}
