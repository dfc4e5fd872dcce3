package domain

import (
	"time"
)

// Board is a canvas row in the durable store. Objects live as an opaque JSONB
// array; Version is bumped only by the optimistic-locked auto-save path.
type Board struct {
	ID                 string        `json:"id"`
	OwnerID            string        `json:"owner_id"`
	Title              string        `json:"title"`
	Slot               int           `json:"slot"`
	Version            int64         `json:"version"`
	Objects            []BoardObject `json:"objects"`
	IsDeleted          bool          `json:"is_deleted"`
	DeletedAt          *time.Time    `json:"deleted_at,omitempty"`
	LastAccessedAt     time.Time     `json:"last_accessed_at"`
	Thumbnail          []byte        `json:"thumbnail,omitempty"`
	ThumbnailVersion   int64         `json:"thumbnail_version"`
	ThumbnailUpdatedAt *time.Time    `json:"thumbnail_updated_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// BoardPatch carries the full-rewrite updates that do not touch Version.
// Nil fields are left unchanged.
type BoardPatch struct {
	Title          *string
	Thumbnail      []byte
	LastAccessedAt *time.Time
}

// CachedBoardState is the live working copy of a board between auto-save
// flushes. It is the JSON value stored under board:{id}:state.
type CachedBoardState struct {
	Objects         []BoardObject `json:"objects"`
	PostgresVersion int64         `json:"postgres_version"`
	LastSyncedAt    time.Time     `json:"last_synced_at"`
}

// IndexOf returns the position of the object with the given id, or -1.
func (s *CachedBoardState) IndexOf(objectID string) int {
	for i := range s.Objects {
		if s.Objects[i].ID == objectID {
			return i
		}
	}
	return -1
}

// User is the minimal identity profile upserted from the external provider.
type User struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Color  string `json:"color,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

// BoardVersion is an immutable full-object snapshot used for rollback.
type BoardVersion struct {
	ID        int64         `json:"id"`
	BoardID   string        `json:"board_id"`
	Snapshot  []BoardObject `json:"snapshot"`
	CreatedBy string        `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
}
