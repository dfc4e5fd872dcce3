package domain

import "time"

// PresenceRecord says a user is currently viewing a board. Stored under
// presence:{board_id}:{user_id} with a short TTL refreshed by heartbeats.
type PresenceRecord struct {
	UserID        string    `json:"user_id"`
	BoardID       string    `json:"board_id"`
	Name          string    `json:"name"`
	Avatar        string    `json:"avatar,omitempty"`
	Color         string    `json:"color,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Session binds a websocket connection to its authenticated user. Stored under
// ws:session:{connection_id}.
type Session struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	BoardID      string    `json:"board_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// EditLock is a short-TTL exclusive claim on one object, used only for
// conflict warnings. Stored under edit:{board_id}:{object_id}.
type EditLock struct {
	BoardID   string    `json:"board_id"`
	ObjectID  string    `json:"object_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	StartedAt time.Time `json:"started_at"`
}

// ChatMessage is one entry of the per-user AI conversation buffer.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
