package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openboard/openboard/internal/logger"
)

// PurgeRepo is the cleanup slice of the durable store.
type PurgeRepo interface {
	PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention permanently removes soft-deleted boards once their restore window
// has passed.
type Retention struct {
	cron      *cron.Cron
	boards    PurgeRepo
	retention time.Duration
}

func NewRetention(boards PurgeRepo, retention time.Duration) *Retention {
	return &Retention{cron: cron.New(), boards: boards, retention: retention}
}

func (r *Retention) Start() error {
	if _, err := r.cron.AddFunc("@daily", r.purge); err != nil {
		return err
	}
	r.cron.Start()
	logger.Log.Info("retention job scheduled", "window", r.retention)
	return nil
}

func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Retention) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-r.retention)
	n, err := r.boards.PurgeDeletedBefore(ctx, cutoff)
	if err != nil {
		logger.Log.Error("retention purge failed", "error", err)
		return
	}
	if n > 0 {
		logger.Log.Info("purged deleted boards", "count", n, "cutoff", cutoff)
	}
}
