package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/metrics"
)

const boardColumns = `id, owner_id, title, slot, version, objects, is_deleted, deleted_at,
	last_accessed_at, thumbnail, thumbnail_version, thumbnail_updated_at, created_at, updated_at`

func scanBoard(row interface{ Scan(...any) error }) (*domain.Board, error) {
	var b domain.Board
	var objects []byte
	var deletedAt, thumbUpdatedAt sql.NullTime
	var thumbnail []byte

	err := row.Scan(&b.ID, &b.OwnerID, &b.Title, &b.Slot, &b.Version, &objects, &b.IsDeleted,
		&deletedAt, &b.LastAccessedAt, &thumbnail, &b.ThumbnailVersion, &thumbUpdatedAt,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		b.DeletedAt = &deletedAt.Time
	}
	if thumbUpdatedAt.Valid {
		b.ThumbnailUpdatedAt = &thumbUpdatedAt.Time
	}
	b.Thumbnail = thumbnail
	if len(objects) > 0 {
		if err := json.Unmarshal(objects, &b.Objects); err != nil {
			return nil, fmt.Errorf("unmarshal board objects: %w", err)
		}
	}
	if b.Objects == nil {
		b.Objects = []domain.BoardObject{}
	}
	return &b, nil
}

func (s *Storage) CreateBoard(ctx context.Context, ownerID, title string, slot int, objects []domain.BoardObject) (*domain.Board, error) {
	defer func(start time.Time) { metrics.ObserveDb("board", "create", start) }(time.Now())

	if objects == nil {
		objects = []domain.BoardObject{}
	}
	objectsJSON, err := json.Marshal(objects)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO boards (id, owner_id, title, slot, objects)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+boardColumns,
		uuid.NewString(), ownerID, title, slot, objectsJSON)

	board, err := scanBoard(row)
	if err != nil {
		return nil, mapError(err)
	}
	return board, nil
}

func (s *Storage) GetBoard(ctx context.Context, id string) (*domain.Board, error) {
	defer func(start time.Time) { metrics.ObserveDb("board", "get", start) }(time.Now())

	row := s.db.QueryRowContext(ctx, `SELECT `+boardColumns+` FROM boards WHERE id = $1 AND NOT is_deleted`, id)
	board, err := scanBoard(row)
	if err != nil {
		return nil, mapError(err)
	}
	return board, nil
}

func (s *Storage) ListBoards(ctx context.Context, ownerID string) ([]domain.Board, error) {
	defer func(start time.Time) { metrics.ObserveDb("board", "list", start) }(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+boardColumns+`
		FROM boards
		WHERE owner_id = $1 AND NOT is_deleted
		ORDER BY slot`, ownerID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var boards []domain.Board
	for rows.Next() {
		b, err := scanBoard(rows)
		if err != nil {
			return nil, err
		}
		boards = append(boards, *b)
	}
	return boards, rows.Err()
}

// UpdateBoard applies the full-rewrite updates (rename, last access). It never
// touches the version column, which belongs to the auto-save path.
func (s *Storage) UpdateBoard(ctx context.Context, id string, patch domain.BoardPatch) error {
	defer func(start time.Time) { metrics.ObserveDb("board", "update", start) }(time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE boards
		SET title = COALESCE($2, title),
		    last_accessed_at = COALESCE($3, last_accessed_at),
		    updated_at = now()
		WHERE id = $1 AND NOT is_deleted`,
		id, patch.Title, patch.LastAccessedAt)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func (s *Storage) UpdateThumbnail(ctx context.Context, id string, thumbnail []byte) error {
	defer func(start time.Time) { metrics.ObserveDb("board", "update_thumbnail", start) }(time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE boards
		SET thumbnail = $2,
		    thumbnail_version = thumbnail_version + 1,
		    thumbnail_updated_at = now(),
		    updated_at = now()
		WHERE id = $1 AND NOT is_deleted`,
		id, thumbnail)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

// UpdateObjectsWithVersion is the sole write path for auto-save flushes.
// Returns the number of rows affected: 0 means the expected version no longer
// matches and the durable row is authoritative.
func (s *Storage) UpdateObjectsWithVersion(ctx context.Context, id string, objectsJSON []byte, expectedVersion int64) (int64, error) {
	defer func(start time.Time) { metrics.ObserveDb("board", "update_with_version", start) }(time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE boards
		SET objects = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3`,
		id, objectsJSON, expectedVersion)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

// SoftDeleteBoard marks the board deleted. The row survives for the retention
// window so the owner can restore it.
func (s *Storage) SoftDeleteBoard(ctx context.Context, id string) error {
	defer func(start time.Time) { metrics.ObserveDb("board", "soft_delete", start) }(time.Now())

	res, err := s.db.ExecContext(ctx, `
		UPDATE boards
		SET is_deleted = true, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND NOT is_deleted`, id)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

// PurgeDeletedBefore permanently removes boards whose soft-delete happened
// before the cutoff. Version snapshots go with them via FK cascade.
func (s *Storage) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	defer func(start time.Time) { metrics.ObserveDb("board", "purge", start) }(time.Now())

	res, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE is_deleted AND deleted_at < $1`, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return mapError(sql.ErrNoRows)
	}
	return nil
}
