package worker

import (
	"context"
	"encoding/json"

	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/logger"
)

// VersionRepo is the snapshot slice of the durable store.
type VersionRepo interface {
	InsertVersion(ctx context.Context, boardID, createdBy string, snapshot []byte) error
	CountVersions(ctx context.Context, boardID string) (int, error)
	DeleteOldestVersions(ctx context.Context, boardID string, keep int) error
}

// Snapshotter writes rollback snapshots and keeps the history bounded.
// Snapshots are best effort: a failure here never blocks the save that
// triggered it.
type Snapshotter struct {
	repo        VersionRepo
	maxVersions int
}

func NewSnapshotter(repo VersionRepo, maxVersions int) *Snapshotter {
	return &Snapshotter{repo: repo, maxVersions: maxVersions}
}

func (s *Snapshotter) Snapshot(ctx context.Context, boardID, createdBy string, objects []domain.BoardObject) {
	raw, err := json.Marshal(objects)
	if err != nil {
		logger.Log.Error("marshal snapshot failed", "board_id", boardID, "error", err)
		return
	}
	if err := s.repo.InsertVersion(ctx, boardID, createdBy, raw); err != nil {
		logger.Log.Error("insert snapshot failed", "board_id", boardID, "error", err)
		return
	}
	n, err := s.repo.CountVersions(ctx, boardID)
	if err != nil {
		logger.Log.Error("count snapshots failed", "board_id", boardID, "error", err)
		return
	}
	if n <= s.maxVersions {
		return
	}
	if err := s.repo.DeleteOldestVersions(ctx, boardID, s.maxVersions); err != nil {
		logger.Log.Error("trim snapshots failed", "board_id", boardID, "error", err)
	}
}
