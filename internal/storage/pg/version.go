package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/metrics"
)

func (s *Storage) InsertVersion(ctx context.Context, boardID, createdBy string, snapshot []byte) error {
	defer func(start time.Time) { metrics.ObserveDb("board_version", "insert", start) }(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO board_versions (board_id, snapshot, created_by)
		VALUES ($1, $2, $3)`,
		boardID, snapshot, createdBy)
	return mapError(err)
}

func (s *Storage) CountVersions(ctx context.Context, boardID string) (int, error) {
	defer func(start time.Time) { metrics.ObserveDb("board_version", "count", start) }(time.Now())

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM board_versions WHERE board_id = $1`, boardID).Scan(&n)
	return n, mapError(err)
}

// DeleteOldestVersions trims the snapshot history down to keep rows, evicting
// by created_at ascending.
func (s *Storage) DeleteOldestVersions(ctx context.Context, boardID string, keep int) error {
	defer func(start time.Time) { metrics.ObserveDb("board_version", "trim", start) }(time.Now())

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM board_versions
		WHERE id IN (
			SELECT id FROM board_versions
			WHERE board_id = $1
			ORDER BY created_at DESC, id DESC
			OFFSET $2
		)`, boardID, keep)
	return mapError(err)
}

func (s *Storage) ListVersions(ctx context.Context, boardID string) ([]domain.BoardVersion, error) {
	defer func(start time.Time) { metrics.ObserveDb("board_version", "list", start) }(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, snapshot, created_by, created_at
		FROM board_versions
		WHERE board_id = $1
		ORDER BY created_at DESC, id DESC`, boardID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var versions []domain.BoardVersion
	for rows.Next() {
		var v domain.BoardVersion
		var snapshot []byte
		if err := rows.Scan(&v.ID, &v.BoardID, &snapshot, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, err
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &v.Snapshot); err != nil {
				return nil, fmt.Errorf("unmarshal snapshot: %w", err)
			}
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
