// Package ws implements the realtime push channel: the per-board hub that
// serializes mutations and fans out events, the websocket connection handler,
// and the inbound event validation and rate limiting.
package ws

import (
	"encoding/json"
	"time"

	"github.com/openboard/openboard/internal/domain"
)

// Inbound event names (client -> server).
const (
	EventBoardJoin    = "board:join"
	EventBoardLeave   = "board:leave"
	EventCursorMove   = "cursor:move"
	EventHeartbeat    = "heartbeat"
	EventObjectCreate = "object:create"
	EventObjectUpdate = "object:update"
	EventObjectDelete = "object:delete"
	EventBatchCreate  = "objects:batch_create"
	EventBatchUpdate  = "objects:batch_update"
	EventEditStart    = "edit:start"
	EventEditEnd      = "edit:end"
)

// Outbound event names (server -> client).
const (
	EventBoardState      = "board:state"
	EventUserJoined      = "user:joined"
	EventUserLeft        = "user:left"
	EventCursorMoved     = "cursor:moved"
	EventObjectCreated   = "object:created"
	EventObjectUpdated   = "object:updated"
	EventObjectDeleted   = "object:deleted"
	EventBatchCreated    = "objects:batch_created"
	EventBatchMoved      = "objects:batch_moved"
	EventEditWarning     = "edit:warning"
	EventConflictWarning = "conflict:warning"
	EventBoardError      = "board:error"
)

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Inbound payloads. Client timestamps are forwarded for UI animation only and
// never used for server-side ordering.

type JoinPayload struct {
	BoardID string `json:"board_id" validate:"required,uuid"`
}

type LeavePayload struct {
	BoardID string `json:"board_id" validate:"required,uuid"`
}

type CursorMovePayload struct {
	BoardID   string  `json:"board_id" validate:"required,uuid"`
	X         float64 `json:"x" validate:"gte=-1000000,lte=1000000"`
	Y         float64 `json:"y" validate:"gte=-1000000,lte=1000000"`
	Timestamp int64   `json:"timestamp"`
}

type HeartbeatPayload struct {
	BoardID   string `json:"board_id" validate:"required,uuid"`
	Timestamp int64  `json:"timestamp"`
}

type ObjectCreatePayload struct {
	BoardID   string             `json:"board_id" validate:"required,uuid"`
	Object    domain.BoardObject `json:"object" validate:"required"`
	Timestamp int64              `json:"timestamp"`
}

type ObjectUpdatePayload struct {
	BoardID   string                     `json:"board_id" validate:"required,uuid"`
	ObjectID  string                     `json:"object_id" validate:"required,uuid"`
	Updates   map[string]json.RawMessage `json:"updates" validate:"required,min=1"`
	Timestamp int64                      `json:"timestamp"`
}

type ObjectDeletePayload struct {
	BoardID   string `json:"board_id" validate:"required,uuid"`
	ObjectID  string `json:"object_id" validate:"required,uuid"`
	Timestamp int64  `json:"timestamp"`
}

type BatchCreatePayload struct {
	BoardID   string               `json:"board_id" validate:"required,uuid"`
	Objects   []domain.BoardObject `json:"objects" validate:"required,min=1,max=50"`
	Timestamp int64                `json:"timestamp"`
}

type BatchMove struct {
	ObjectID string  `json:"object_id" validate:"required,uuid"`
	X        float64 `json:"x" validate:"gte=-1000000,lte=1000000"`
	Y        float64 `json:"y" validate:"gte=-1000000,lte=1000000"`
}

type BatchUpdatePayload struct {
	BoardID   string      `json:"board_id" validate:"required,uuid"`
	Moves     []BatchMove `json:"moves" validate:"required,min=1,max=50,dive"`
	Timestamp int64       `json:"timestamp"`
}

type EditPayload struct {
	BoardID   string `json:"board_id" validate:"required,uuid"`
	ObjectID  string `json:"object_id" validate:"required,uuid"`
	Timestamp int64  `json:"timestamp"`
}

// Outbound payloads.

type BoardStatePayload struct {
	BoardID string                  `json:"board_id"`
	Objects []domain.BoardObject    `json:"objects"`
	Users   []domain.PresenceRecord `json:"users"`
}

type UserJoinedPayload struct {
	BoardID   string                `json:"board_id"`
	User      domain.PresenceRecord `json:"user"`
	Timestamp int64                 `json:"timestamp"`
}

type UserLeftPayload struct {
	BoardID   string `json:"board_id"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

type CursorMovedPayload struct {
	BoardID   string  `json:"board_id"`
	UserID    string  `json:"user_id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

type ObjectCreatedPayload struct {
	BoardID   string             `json:"board_id"`
	Object    domain.BoardObject `json:"object"`
	UserID    string             `json:"user_id"`
	Timestamp int64              `json:"timestamp"`
}

type ObjectUpdatedPayload struct {
	BoardID   string                     `json:"board_id"`
	ObjectID  string                     `json:"object_id"`
	Updates   map[string]json.RawMessage `json:"updates"`
	Object    *domain.BoardObject        `json:"object,omitempty"`
	UserID    string                     `json:"user_id"`
	Timestamp int64                      `json:"timestamp"`
}

type ObjectDeletedPayload struct {
	BoardID   string `json:"board_id"`
	ObjectID  string `json:"object_id"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

type BatchCreatedPayload struct {
	BoardID   string               `json:"board_id"`
	Objects   []domain.BoardObject `json:"objects"`
	UserID    string               `json:"user_id"`
	Timestamp int64                `json:"timestamp"`
}

type BatchMovedPayload struct {
	BoardID   string      `json:"board_id"`
	Moves     []BatchMove `json:"moves"`
	UserID    string      `json:"user_id"`
	Timestamp int64       `json:"timestamp"`
}

type Editor struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type EditWarningPayload struct {
	BoardID  string   `json:"board_id"`
	ObjectID string   `json:"object_id"`
	Editors  []Editor `json:"editors"`
}

type ConflictWarningPayload struct {
	BoardID             string `json:"board_id"`
	ObjectID            string `json:"object_id"`
	ConflictingUserID   string `json:"conflicting_user_id"`
	ConflictingUserName string `json:"conflicting_user_name"`
	Message             string `json:"message"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Frame is a pre-marshaled outbound message. Marshaling once per broadcast
// keeps fan-out cheap; Lossy frames may be dropped when a subscriber's buffer
// is full, reliable frames may not.
type Frame struct {
	Event string
	Lossy bool
	Raw   []byte
}

func NewFrame(event string, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, err
	}
	return &Frame{Event: event, Lossy: event == EventCursorMoved, Raw: raw}, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }
