package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openboard/openboard/internal/domain"
)

// MutationResult classifies the outcome of a cached-state mutation.
type MutationResult int

const (
	MutationOK MutationResult = iota
	MutationDuplicate
	MutationLimit
	MutationNotFound
	// MutationMiss means the board has not been cold-loaded yet; the caller
	// runs LoadFromDurable and retries the mutation exactly once.
	MutationMiss
)

func (r MutationResult) String() string {
	switch r {
	case MutationOK:
		return "ok"
	case MutationDuplicate:
		return "duplicate"
	case MutationLimit:
		return "limit"
	case MutationNotFound:
		return "not_found"
	case MutationMiss:
		return "miss"
	}
	return "unknown"
}

// DurableLoader is the repository slice needed for cold loads.
type DurableLoader interface {
	GetBoard(ctx context.Context, id string) (*domain.Board, error)
}

// StateStore keeps the live working copy of each board under
// board:{id}:state. Mutations are plain read-modify-write cycles: they are
// race-free because the owning hub serializes all writes to a given board.
// The auto-save worker is the one writer outside the hub, so its two entry
// points (SetSynced, ReconcileFromDurable) run as optimistic transactions
// and back off whenever a live mutation touches the key mid-flight.
type StateStore struct {
	rdb    *redis.Client
	loader DurableLoader
}

func NewStateStore(rdb *redis.Client, loader DurableLoader) *StateStore {
	return &StateStore{rdb: rdb, loader: loader}
}

// Get returns the cached state, or nil when the board is not loaded.
func (s *StateStore) Get(ctx context.Context, boardID string) (*domain.CachedBoardState, error) {
	observe("state_get")
	raw, err := s.rdb.Get(ctx, boardStateKey(boardID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state domain.CachedBoardState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("corrupt cached state for board %s: %w", boardID, err)
	}
	return &state, nil
}

func (s *StateStore) Put(ctx context.Context, boardID string, state *domain.CachedBoardState) error {
	observe("state_put")
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, boardStateKey(boardID), raw, 0).Err()
}

// LoadFromDurable cold-loads the board row into the cache and returns the
// fresh state.
func (s *StateStore) LoadFromDurable(ctx context.Context, boardID string) (*domain.CachedBoardState, error) {
	board, err := s.loader.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	state := &domain.CachedBoardState{
		Objects:         board.Objects,
		PostgresVersion: board.Version,
		LastSyncedAt:    time.Now().UTC(),
	}
	if state.Objects == nil {
		state.Objects = []domain.BoardObject{}
	}
	if err := s.Put(ctx, boardID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// AddObject appends the object if its id is unseen and the board is under max.
func (s *StateStore) AddObject(ctx context.Context, boardID string, obj domain.BoardObject, max int) (MutationResult, error) {
	state, err := s.Get(ctx, boardID)
	if err != nil {
		return MutationMiss, err
	}
	if state == nil {
		return MutationMiss, nil
	}
	if state.IndexOf(obj.ID) >= 0 {
		return MutationDuplicate, nil
	}
	if len(state.Objects) >= max {
		return MutationLimit, nil
	}
	state.Objects = append(state.Objects, obj)
	if err := s.Put(ctx, boardID, state); err != nil {
		return MutationMiss, err
	}
	return MutationOK, nil
}

// AddObjects appends a whole batch in one read-modify-write cycle. Objects
// with already-seen ids are skipped; if appending the remainder would push the
// board past max, nothing is written and MutationLimit is returned. The
// returned slice holds the objects actually added.
func (s *StateStore) AddObjects(ctx context.Context, boardID string, objs []domain.BoardObject, max int) ([]domain.BoardObject, MutationResult, error) {
	state, err := s.Get(ctx, boardID)
	if err != nil {
		return nil, MutationMiss, err
	}
	if state == nil {
		return nil, MutationMiss, nil
	}
	added := make([]domain.BoardObject, 0, len(objs))
	for _, obj := range objs {
		if state.IndexOf(obj.ID) >= 0 {
			continue
		}
		added = append(added, obj)
	}
	if len(added) == 0 {
		return nil, MutationDuplicate, nil
	}
	if len(state.Objects)+len(added) > max {
		return nil, MutationLimit, nil
	}
	state.Objects = append(state.Objects, added...)
	if err := s.Put(ctx, boardID, state); err != nil {
		return nil, MutationMiss, err
	}
	return added, MutationOK, nil
}

// MoveObjects repositions a batch of objects in one read-modify-write cycle.
// Unknown ids are skipped; the returned ids are the ones actually moved.
func (s *StateStore) MoveObjects(ctx context.Context, boardID string, moves map[string][2]float64, editedBy string) ([]string, MutationResult, error) {
	state, err := s.Get(ctx, boardID)
	if err != nil {
		return nil, MutationMiss, err
	}
	if state == nil {
		return nil, MutationMiss, nil
	}
	now := time.Now().UTC()
	moved := make([]string, 0, len(moves))
	for i := range state.Objects {
		pos, ok := moves[state.Objects[i].ID]
		if !ok {
			continue
		}
		state.Objects[i].X = pos[0]
		state.Objects[i].Y = pos[1]
		state.Objects[i].UpdatedAt = now
		state.Objects[i].LastEditedBy = editedBy
		moved = append(moved, state.Objects[i].ID)
	}
	if len(moved) == 0 {
		return nil, MutationNotFound, nil
	}
	if err := s.Put(ctx, boardID, state); err != nil {
		return nil, MutationMiss, err
	}
	return moved, MutationOK, nil
}

// UpdateObject merges the patch into the matching object, last write wins,
// and returns the merged object.
func (s *StateStore) UpdateObject(ctx context.Context, boardID, objectID string, patch map[string]json.RawMessage) (*domain.BoardObject, MutationResult, error) {
	state, err := s.Get(ctx, boardID)
	if err != nil {
		return nil, MutationMiss, err
	}
	if state == nil {
		return nil, MutationMiss, nil
	}
	i := state.IndexOf(objectID)
	if i < 0 {
		return nil, MutationNotFound, nil
	}
	if err := state.Objects[i].ApplyPatch(patch); err != nil {
		return nil, MutationNotFound, err
	}
	if err := s.Put(ctx, boardID, state); err != nil {
		return nil, MutationMiss, err
	}
	obj := state.Objects[i]
	return &obj, MutationOK, nil
}

// ReplaceObject overwrites the stored object wholesale. Used by the hub for
// connector detachment and frame orphaning, where it already holds the
// rewritten object.
func (s *StateStore) ReplaceObject(ctx context.Context, boardID string, obj domain.BoardObject) (MutationResult, error) {
	state, err := s.Get(ctx, boardID)
	if err != nil {
		return MutationMiss, err
	}
	if state == nil {
		return MutationMiss, nil
	}
	i := state.IndexOf(obj.ID)
	if i < 0 {
		return MutationNotFound, nil
	}
	state.Objects[i] = obj
	if err := s.Put(ctx, boardID, state); err != nil {
		return MutationMiss, err
	}
	return MutationOK, nil
}

func (s *StateStore) RemoveObject(ctx context.Context, boardID, objectID string) (MutationResult, error) {
	state, err := s.Get(ctx, boardID)
	if err != nil {
		return MutationMiss, err
	}
	if state == nil {
		return MutationMiss, nil
	}
	i := state.IndexOf(objectID)
	if i < 0 {
		return MutationNotFound, nil
	}
	state.Objects = append(state.Objects[:i], state.Objects[i+1:]...)
	if err := s.Put(ctx, boardID, state); err != nil {
		return MutationMiss, err
	}
	return MutationOK, nil
}

// SetSynced records a successful auto-save flush: the cache now mirrors the
// durable row at newVersion. Only the sync fields are rewritten, inside a
// WATCH transaction, so a hub mutation landing mid-mark can never be lost;
// when the mark itself loses the race it is abandoned and the next flush
// re-marks.
func (s *StateStore) SetSynced(ctx context.Context, boardID string, newVersion int64) error {
	observe("state_set_synced")
	key := boardStateKey(boardID)
	mark := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var state domain.CachedBoardState
		if err := json.Unmarshal(raw, &state); err != nil {
			return fmt.Errorf("corrupt cached state for board %s: %w", boardID, err)
		}
		state.PostgresVersion = newVersion
		state.LastSyncedAt = time.Now().UTC()
		updated, err := json.Marshal(&state)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return err
	}
	for i := 0; i < 3; i++ {
		err := s.rdb.Watch(ctx, mark, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	// lost every round to live mutations; the next flush re-marks
	return nil
}

// ReconcileFromDurable overwrites the cache with the authoritative durable
// row after a version conflict. The overwrite is abandoned (landed=false)
// when a live mutation touches the key between the durable read and the
// write, so an edit the hub just acknowledged is never clobbered; the
// worker retries on its next tick.
func (s *StateStore) ReconcileFromDurable(ctx context.Context, boardID string) (bool, error) {
	observe("state_reconcile")
	key := boardStateKey(boardID)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		board, err := s.loader.GetBoard(ctx, boardID)
		if err != nil {
			return err
		}
		state := &domain.CachedBoardState{
			Objects:         board.Objects,
			PostgresVersion: board.Version,
			LastSyncedAt:    time.Now().UTC(),
		}
		if state.Objects == nil {
			state.Objects = []domain.BoardObject{}
		}
		raw, err := json.Marshal(state)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *StateStore) Evict(ctx context.Context, boardID string) error {
	observe("state_evict")
	return s.rdb.Del(ctx, boardStateKey(boardID)).Err()
}
