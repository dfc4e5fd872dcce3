package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/logger"
	"github.com/openboard/openboard/internal/metrics"
	"github.com/openboard/openboard/internal/storage/redisstore"
)

// Subscriber is one websocket connection attached to a hub.
type Subscriber interface {
	ConnectionID() string
	UserID() string
	Presence() domain.PresenceRecord
	// Send queues a frame for delivery. It returns false when the outbound
	// buffer is full; the hub decides what that means per frame.
	Send(frame *Frame) bool
	// Kick sends a final error payload and closes the connection.
	Kick(code, message string)
}

// StateCache is the cached-state slice of the redis layer the hub mutates.
type StateCache interface {
	Get(ctx context.Context, boardID string) (*domain.CachedBoardState, error)
	LoadFromDurable(ctx context.Context, boardID string) (*domain.CachedBoardState, error)
	AddObject(ctx context.Context, boardID string, obj domain.BoardObject, max int) (redisstore.MutationResult, error)
	AddObjects(ctx context.Context, boardID string, objs []domain.BoardObject, max int) ([]domain.BoardObject, redisstore.MutationResult, error)
	UpdateObject(ctx context.Context, boardID, objectID string, patch map[string]json.RawMessage) (*domain.BoardObject, redisstore.MutationResult, error)
	ReplaceObject(ctx context.Context, boardID string, obj domain.BoardObject) (redisstore.MutationResult, error)
	RemoveObject(ctx context.Context, boardID, objectID string) (redisstore.MutationResult, error)
	MoveObjects(ctx context.Context, boardID string, moves map[string][2]float64, editedBy string) ([]string, redisstore.MutationResult, error)
}

type PresenceCache interface {
	AddUser(ctx context.Context, rec domain.PresenceRecord) error
	Refresh(ctx context.Context, boardID, userID string) error
	RemoveUser(ctx context.Context, boardID, userID string) error
	ListUsers(ctx context.Context, boardID string) ([]domain.PresenceRecord, error)
}

type LockCache interface {
	StartEdit(ctx context.Context, boardID, objectID, userID, userName string) (*domain.EditLock, bool, error)
	EndEdit(ctx context.Context, boardID, objectID, userID string) error
	ClearUserEdits(ctx context.Context, boardID, userID string) ([]string, error)
}

// Flusher persists the cached state to the durable store. The hub calls it
// once, when its last subscriber leaves.
type Flusher interface {
	FlushBoard(ctx context.Context, boardID string) error
}

// HubConfig carries the per-board limits.
type HubConfig struct {
	MaxObjects int
}

// Hub owns one board. Every mutation and broadcast for the board runs on the
// hub goroutine, which is what makes the redis read-modify-write cycles safe
// and gives all subscribers an identical event order.
type Hub struct {
	boardID string
	cfg     HubConfig

	state    StateCache
	presence PresenceCache
	locks    LockCache
	flusher  Flusher
	onIdle   func(boardID string, h *Hub)

	subs     map[string]Subscriber
	commands chan func()
	done     chan struct{}
}

func NewHub(boardID string, cfg HubConfig, state StateCache, presence PresenceCache, locks LockCache, flusher Flusher, onIdle func(string, *Hub)) *Hub {
	return &Hub{
		boardID:  boardID,
		cfg:      cfg,
		state:    state,
		presence: presence,
		locks:    locks,
		flusher:  flusher,
		onIdle:   onIdle,
		subs:     make(map[string]Subscriber),
		commands: make(chan func(), 256),
		done:     make(chan struct{}),
	}
}

// Run drains the command queue until the hub goes idle.
func (h *Hub) Run() {
	for {
		select {
		case fn := <-h.commands:
			fn()
		case <-h.done:
			// drain what was enqueued before the close
			for {
				select {
				case fn := <-h.commands:
					fn()
				default:
					return
				}
			}
		}
	}
}

// do enqueues fn onto the hub goroutine. It reports false when the hub has
// already gone idle, so callers can retry against a fresh hub.
func (h *Hub) do(fn func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.commands <- fn:
		return true
	case <-h.done:
		return false
	}
}

// Subscribe attaches the connection, replays the full board state to it and
// announces the join to everyone else. A false return means the hub shut down
// concurrently and the caller must retry.
func (h *Hub) Subscribe(ctx context.Context, sub Subscriber) bool {
	ok := make(chan struct{})
	enqueued := h.do(func() {
		h.handleSubscribe(ctx, sub)
		close(ok)
	})
	if !enqueued {
		return false
	}
	<-ok
	return true
}

// Unsubscribe detaches the connection. Safe to call for a connection that was
// never attached or was already kicked.
func (h *Hub) Unsubscribe(connectionID string) {
	h.do(func() {
		h.drop(context.Background(), connectionID)
	})
}

// Dispatch routes one validated-envelope event from a subscriber onto the hub
// goroutine.
func (h *Hub) Dispatch(sub Subscriber, env Envelope) {
	metrics.WsEventTotal.WithLabelValues(env.Event).Inc()
	h.do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.handleEvent(ctx, sub, env)
	})
}

func (h *Hub) handleEvent(ctx context.Context, sub Subscriber, env Envelope) {
	var err error
	switch env.Event {
	case EventCursorMove:
		err = h.handleCursorMove(ctx, sub, env.Data)
	case EventHeartbeat:
		err = h.handleHeartbeat(ctx, sub, env.Data)
	case EventObjectCreate:
		err = h.handleObjectCreate(ctx, sub, env.Data)
	case EventObjectUpdate:
		err = h.handleObjectUpdate(ctx, sub, env.Data)
	case EventObjectDelete:
		err = h.handleObjectDelete(ctx, sub, env.Data)
	case EventBatchCreate:
		err = h.handleBatchCreate(ctx, sub, env.Data)
	case EventBatchUpdate:
		err = h.handleBatchUpdate(ctx, sub, env.Data)
	case EventEditStart:
		err = h.handleEditStart(ctx, sub, env.Data)
	case EventEditEnd:
		err = h.handleEditEnd(ctx, sub, env.Data)
	default:
		err = apperr.New(apperr.CodeValidation, "unknown event %q", env.Event)
	}
	if err != nil {
		h.sendError(sub, err)
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, sub Subscriber) {
	// one connection per user per board: a newer tab replaces the older one.
	// The new sub registers first so dropping the old one cannot empty the
	// room and stop the hub mid-replacement.
	h.subs[sub.ConnectionID()] = sub
	for id, old := range h.subs {
		if old.UserID() == sub.UserID() && id != sub.ConnectionID() {
			old.Kick(string(apperr.CodeDuplicateSession), "replaced by a newer connection")
			h.drop(ctx, id)
		}
	}

	state, err := h.state.Get(ctx, h.boardID)
	if err == nil && state == nil {
		state, err = h.state.LoadFromDurable(ctx, h.boardID)
	}
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			sub.Kick(string(apperr.CodeNotFound), "board not found")
		} else {
			logger.Log.Error("board state load failed", "board_id", h.boardID, "error", err)
			sub.Kick(string(apperr.CodeTransient), "board state unavailable")
		}
		delete(h.subs, sub.ConnectionID())
		h.checkIdle(ctx)
		return
	}

	rec := sub.Presence()
	rec.BoardID = h.boardID
	rec.LastHeartbeat = time.Now().UTC()
	if err := h.presence.AddUser(ctx, rec); err != nil {
		logger.Log.Error("presence add failed", "board_id", h.boardID, "user_id", rec.UserID, "error", err)
	}

	users, err := h.presence.ListUsers(ctx, h.boardID)
	if err != nil {
		logger.Log.Error("presence list failed", "board_id", h.boardID, "error", err)
		users = []domain.PresenceRecord{rec}
	}

	stateFrame, err := NewFrame(EventBoardState, BoardStatePayload{
		BoardID: h.boardID,
		Objects: state.Objects,
		Users:   users,
	})
	if err != nil {
		logger.Log.Error("marshal board state failed", "board_id", h.boardID, "error", err)
		return
	}
	if !sub.Send(stateFrame) {
		sub.Kick(string(apperr.CodeBackpressure), "outbound buffer full")
		h.drop(ctx, sub.ConnectionID())
		return
	}

	h.broadcastPayload(ctx, EventUserJoined, UserJoinedPayload{
		BoardID:   h.boardID,
		User:      rec,
		Timestamp: nowMillis(),
	}, sub.ConnectionID())
}

// drop detaches one connection and runs the full teardown: presence record,
// edit locks, the user:left broadcast and the idle check. Every path that
// removes a subscriber goes through here, including backpressure kicks, so a
// kicked connection can never leave the hub running over an empty room.
func (h *Hub) drop(ctx context.Context, connectionID string) {
	sub, exists := h.subs[connectionID]
	if !exists {
		return
	}
	delete(h.subs, connectionID)

	userID := sub.UserID()
	if err := h.presence.RemoveUser(ctx, h.boardID, userID); err != nil {
		logger.Log.Error("presence remove failed", "board_id", h.boardID, "user_id", userID, "error", err)
	}
	if _, err := h.locks.ClearUserEdits(ctx, h.boardID, userID); err != nil {
		logger.Log.Error("edit lock clear failed", "board_id", h.boardID, "user_id", userID, "error", err)
	}

	h.broadcastPayload(ctx, EventUserLeft, UserLeftPayload{
		BoardID:   h.boardID,
		UserID:    userID,
		Timestamp: nowMillis(),
	}, "")

	h.checkIdle(ctx)
}

// checkIdle flushes and shuts the hub down once the room is empty. The cached
// state stays in redis so a returning user warm-starts. Dropping a stalled
// subscriber mid-broadcast can reach here recursively, hence the done guard.
func (h *Hub) checkIdle(ctx context.Context) {
	if len(h.subs) > 0 {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	if h.flusher != nil {
		if err := h.flusher.FlushBoard(ctx, h.boardID); err != nil {
			logger.Log.Error("idle flush failed", "board_id", h.boardID, "error", err)
		}
	}
	close(h.done)
	if h.onIdle != nil {
		h.onIdle(h.boardID, h)
	}
}

func (h *Hub) handleCursorMove(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	payload, err := decode[CursorMovePayload](data)
	if err != nil {
		return err
	}
	h.broadcastPayload(ctx, EventCursorMoved, CursorMovedPayload{
		BoardID:   h.boardID,
		UserID:    sub.UserID(),
		X:         payload.X,
		Y:         payload.Y,
		Timestamp: payload.Timestamp,
	}, sub.ConnectionID())
	return nil
}

func (h *Hub) handleHeartbeat(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	if _, err := decode[HeartbeatPayload](data); err != nil {
		return err
	}
	return h.presence.Refresh(ctx, h.boardID, sub.UserID())
}

func (h *Hub) handleObjectCreate(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	payload, err := decode[ObjectCreatePayload](data)
	if err != nil {
		return err
	}
	obj := payload.Object
	if err := validateNewObject(&obj); err != nil {
		return err
	}
	now := time.Now().UTC()
	obj.CreatedBy = sub.UserID()
	obj.CreatedAt = now
	obj.UpdatedAt = now
	obj.LastEditedBy = sub.UserID()
	if obj.CreatedVia == "" {
		obj.CreatedVia = "manual"
	}

	res, err := h.state.AddObject(ctx, h.boardID, obj, h.cfg.MaxObjects)
	if res == redisstore.MutationMiss && err == nil {
		if _, err = h.state.LoadFromDurable(ctx, h.boardID); err == nil {
			res, err = h.state.AddObject(ctx, h.boardID, obj, h.cfg.MaxObjects)
		}
	}
	if err != nil {
		return transient(err)
	}
	switch res {
	case redisstore.MutationDuplicate:
		// retransmit of an already-applied create, drop it
		return nil
	case redisstore.MutationLimit:
		return apperr.New(apperr.CodeLimit, "board is full (%d objects max)", h.cfg.MaxObjects)
	case redisstore.MutationOK:
	default:
		return apperr.New(apperr.CodeTransient, "board state unavailable")
	}

	h.broadcastPayload(ctx, EventObjectCreated, ObjectCreatedPayload{
		BoardID:   h.boardID,
		Object:    obj,
		UserID:    sub.UserID(),
		Timestamp: nowMillis(),
	}, "")
	return nil
}

func (h *Hub) handleObjectUpdate(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	payload, err := decode[ObjectUpdatePayload](data)
	if err != nil {
		return err
	}
	if err := validatePatch(payload.Updates); err != nil {
		return err
	}

	// audit fields ride along in the same merge
	patch := make(map[string]json.RawMessage, len(payload.Updates)+2)
	for k, v := range payload.Updates {
		patch[k] = v
	}
	patch["updated_at"], _ = json.Marshal(time.Now().UTC())
	patch["last_edited_by"], _ = json.Marshal(sub.UserID())

	obj, res, err := h.state.UpdateObject(ctx, h.boardID, payload.ObjectID, patch)
	if res == redisstore.MutationMiss && err == nil {
		if _, err = h.state.LoadFromDurable(ctx, h.boardID); err == nil {
			obj, res, err = h.state.UpdateObject(ctx, h.boardID, payload.ObjectID, patch)
		}
	}
	if err != nil {
		if res == redisstore.MutationNotFound {
			// merge refused the patch shape
			return apperr.New(apperr.CodeValidation, "invalid update: %v", err)
		}
		return transient(err)
	}
	switch res {
	case redisstore.MutationNotFound:
		// update raced a delete, drop it
		return nil
	case redisstore.MutationOK:
	default:
		return apperr.New(apperr.CodeTransient, "board state unavailable")
	}

	h.broadcastPayload(ctx, EventObjectUpdated, ObjectUpdatedPayload{
		BoardID:   h.boardID,
		ObjectID:  payload.ObjectID,
		Updates:   patch,
		Object:    obj,
		UserID:    sub.UserID(),
		Timestamp: nowMillis(),
	}, "")
	return nil
}

func (h *Hub) handleObjectDelete(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	payload, err := decode[ObjectDeletePayload](data)
	if err != nil {
		return err
	}

	state, err := h.state.Get(ctx, h.boardID)
	if err == nil && state == nil {
		state, err = h.state.LoadFromDurable(ctx, h.boardID)
	}
	if err != nil {
		return transient(err)
	}
	if state.IndexOf(payload.ObjectID) < 0 {
		// already gone, drop it
		return nil
	}

	// Rewrite referrers before the delete lands, so every subscriber sees the
	// detach updates and then the removal in that order.
	for _, obj := range state.Objects {
		rewritten := obj
		changed := rewritten.DetachFrom(payload.ObjectID)
		if rewritten.InFrame(payload.ObjectID) {
			// orphaned children keep their position but lose the frame
			rewritten.FrameID = nil
			changed = true
		}
		if !changed {
			continue
		}
		rewritten.UpdatedAt = time.Now().UTC()
		if _, err := h.state.ReplaceObject(ctx, h.boardID, rewritten); err != nil {
			return transient(err)
		}
		updates := referenceUpdates(obj, rewritten)
		h.broadcastPayload(ctx, EventObjectUpdated, ObjectUpdatedPayload{
			BoardID:   h.boardID,
			ObjectID:  rewritten.ID,
			Updates:   updates,
			Object:    &rewritten,
			UserID:    sub.UserID(),
			Timestamp: nowMillis(),
		}, "")
	}

	res, err := h.state.RemoveObject(ctx, h.boardID, payload.ObjectID)
	if err != nil {
		return transient(err)
	}
	if res != redisstore.MutationOK {
		return nil
	}

	h.broadcastPayload(ctx, EventObjectDeleted, ObjectDeletedPayload{
		BoardID:   h.boardID,
		ObjectID:  payload.ObjectID,
		UserID:    sub.UserID(),
		Timestamp: nowMillis(),
	}, "")
	return nil
}

// referenceUpdates builds the patch view of a detach or orphaning rewrite.
// A frame_id cleared to nil shows up as an explicit null so clients unset the
// field instead of ignoring it.
func referenceUpdates(before, after domain.BoardObject) map[string]json.RawMessage {
	updates := make(map[string]json.RawMessage, 3)
	set := func(field string, changed bool, v *string) {
		if !changed {
			return
		}
		if v == nil {
			updates[field] = json.RawMessage("null")
			return
		}
		raw, _ := json.Marshal(*v)
		updates[field] = raw
	}
	set("from_object_id", !strPtrEq(before.FromObjectID, after.FromObjectID), after.FromObjectID)
	set("to_object_id", !strPtrEq(before.ToObjectID, after.ToObjectID), after.ToObjectID)
	set("frame_id", !strPtrEq(before.FrameID, after.FrameID), after.FrameID)
	return updates
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (h *Hub) handleBatchCreate(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	payload, err := decode[BatchCreatePayload](data)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	objs := make([]domain.BoardObject, 0, len(payload.Objects))
	for i := range payload.Objects {
		obj := payload.Objects[i]
		if err := validateNewObject(&obj); err != nil {
			return fmt.Errorf("object %d: %w", i, err)
		}
		obj.CreatedBy = sub.UserID()
		obj.CreatedAt = now
		obj.UpdatedAt = now
		obj.LastEditedBy = sub.UserID()
		if obj.CreatedVia == "" {
			obj.CreatedVia = "manual"
		}
		objs = append(objs, obj)
	}

	added, res, err := h.state.AddObjects(ctx, h.boardID, objs, h.cfg.MaxObjects)
	if res == redisstore.MutationMiss && err == nil {
		if _, err = h.state.LoadFromDurable(ctx, h.boardID); err == nil {
			added, res, err = h.state.AddObjects(ctx, h.boardID, objs, h.cfg.MaxObjects)
		}
	}
	if err != nil {
		return transient(err)
	}
	switch res {
	case redisstore.MutationDuplicate:
		return nil
	case redisstore.MutationLimit:
		return apperr.New(apperr.CodeLimit, "board is full (%d objects max)", h.cfg.MaxObjects)
	case redisstore.MutationOK:
	default:
		return apperr.New(apperr.CodeTransient, "board state unavailable")
	}

	h.broadcastPayload(ctx, EventBatchCreated, BatchCreatedPayload{
		BoardID:   h.boardID,
		Objects:   added,
		UserID:    sub.UserID(),
		Timestamp: nowMillis(),
	}, "")
	return nil
}

func (h *Hub) handleBatchUpdate(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	payload, err := decode[BatchUpdatePayload](data)
	if err != nil {
		return err
	}
	moves := make(map[string][2]float64, len(payload.Moves))
	for _, m := range payload.Moves {
		moves[m.ObjectID] = [2]float64{m.X, m.Y}
	}

	movedIDs, res, err := h.state.MoveObjects(ctx, h.boardID, moves, sub.UserID())
	if res == redisstore.MutationMiss && err == nil {
		if _, err = h.state.LoadFromDurable(ctx, h.boardID); err == nil {
			movedIDs, res, err = h.state.MoveObjects(ctx, h.boardID, moves, sub.UserID())
		}
	}
	if err != nil {
		return transient(err)
	}
	switch res {
	case redisstore.MutationNotFound:
		return nil
	case redisstore.MutationOK:
	default:
		return apperr.New(apperr.CodeTransient, "board state unavailable")
	}

	applied := make([]BatchMove, 0, len(movedIDs))
	for _, id := range movedIDs {
		pos := moves[id]
		applied = append(applied, BatchMove{ObjectID: id, X: pos[0], Y: pos[1]})
	}
	h.broadcastPayload(ctx, EventBatchMoved, BatchMovedPayload{
		BoardID:   h.boardID,
		Moves:     applied,
		UserID:    sub.UserID(),
		Timestamp: nowMillis(),
	}, "")
	return nil
}

func (h *Hub) handleEditStart(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	payload, err := decode[EditPayload](data)
	if err != nil {
		return err
	}
	rec := sub.Presence()
	lock, claimed, err := h.locks.StartEdit(ctx, h.boardID, payload.ObjectID, sub.UserID(), rec.Name)
	if err != nil {
		return transient(err)
	}
	if claimed {
		return nil
	}

	// advisory only: the requester keeps editing, both sides get warned
	warning, err := NewFrame(EventEditWarning, EditWarningPayload{
		BoardID:  h.boardID,
		ObjectID: payload.ObjectID,
		Editors:  []Editor{{UserID: lock.UserID, UserName: lock.UserName}},
	})
	if err == nil {
		sub.Send(warning)
	}

	for _, other := range h.subs {
		if other.UserID() != lock.UserID {
			continue
		}
		conflict, err := NewFrame(EventConflictWarning, ConflictWarningPayload{
			BoardID:             h.boardID,
			ObjectID:            payload.ObjectID,
			ConflictingUserID:   sub.UserID(),
			ConflictingUserName: rec.Name,
			Message:             fmt.Sprintf("%s is editing the same object", rec.Name),
		})
		if err == nil {
			other.Send(conflict)
		}
	}
	return nil
}

func (h *Hub) handleEditEnd(ctx context.Context, sub Subscriber, data json.RawMessage) error {
	payload, err := decode[EditPayload](data)
	if err != nil {
		return err
	}
	return h.locks.EndEdit(ctx, h.boardID, payload.ObjectID, sub.UserID())
}

// broadcastPayload marshals once and fans out to every subscriber except the
// one named by excludeConnID (empty string excludes nobody).
func (h *Hub) broadcastPayload(ctx context.Context, event string, payload any, excludeConnID string) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		logger.Log.Error("marshal broadcast failed", "board_id", h.boardID, "event", event, "error", err)
		return
	}
	h.broadcast(ctx, frame, excludeConnID)
}

func (h *Hub) broadcast(ctx context.Context, frame *Frame, excludeConnID string) {
	var stalled []Subscriber
	for id, sub := range h.subs {
		if id == excludeConnID {
			continue
		}
		if sub.Send(frame) {
			continue
		}
		if frame.Lossy {
			continue
		}
		// a subscriber that cannot keep up with reliable traffic would
		// otherwise diverge from the shared event order
		stalled = append(stalled, sub)
	}
	for _, sub := range stalled {
		sub.Kick(string(apperr.CodeBackpressure), "outbound buffer full")
		h.drop(ctx, sub.ConnectionID())
	}
}

func (h *Hub) sendError(sub Subscriber, err error) {
	code := apperr.CodeOf(err)
	logger.Log.Debug("event rejected", "board_id", h.boardID, "user_id", sub.UserID(), "code", string(code), "error", err)
	frame, ferr := NewFrame(EventBoardError, ErrorPayload{
		Code:      string(code),
		Message:   err.Error(),
		Timestamp: nowMillis(),
	})
	if ferr != nil {
		return
	}
	sub.Send(frame)
}

func transient(err error) error {
	return apperr.New(apperr.CodeTransient, "temporary failure, retry: %v", err)
}
