// Package worker holds the background jobs: the periodic auto-save flush,
// version snapshotting and deleted-board retention.
package worker

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/logger"
	"github.com/openboard/openboard/internal/metrics"
)

// BoardRepo is the durable-store slice the auto-saver writes through.
type BoardRepo interface {
	UpdateObjectsWithVersion(ctx context.Context, id string, objectsJSON []byte, expectedVersion int64) (int64, error)
}

// StateCache is the cached-state slice the auto-saver reads and reconciles.
// SetSynced and ReconcileFromDurable must be safe against concurrent hub
// mutations on the same key.
type StateCache interface {
	Get(ctx context.Context, boardID string) (*domain.CachedBoardState, error)
	SetSynced(ctx context.Context, boardID string, newVersion int64) error
	ReconcileFromDurable(ctx context.Context, boardID string) (bool, error)
}

// ActiveBoardLister reports which boards currently have presence.
type ActiveBoardLister interface {
	ActiveBoards(ctx context.Context) ([]string, error)
}

// LockCounter reports how many edit locks are live across all boards.
type LockCounter interface {
	CountActive(ctx context.Context) (int, error)
}

type AutoSaveConfig struct {
	Interval            time.Duration
	SnapshotEveryNSaves int
	Concurrency         int
}

// AutoSaver periodically flushes every active board's cached state into the
// versioned durable row. One flush failing never touches the others.
type AutoSaver struct {
	cfg      AutoSaveConfig
	boards   BoardRepo
	state    StateCache
	presence ActiveBoardLister
	locks    LockCounter
	snaps    *Snapshotter

	started atomic.Bool
	stop    chan struct{}
	stopped chan struct{}

	mu sync.Mutex
	// saves since the last snapshot and the content hash of the last flush,
	// both keyed by board id
	saveCounts map[string]int
	lastHash   map[string]uint64
}

func NewAutoSaver(cfg AutoSaveConfig, boards BoardRepo, state StateCache, presence ActiveBoardLister, locks LockCounter, snaps *Snapshotter) *AutoSaver {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &AutoSaver{
		cfg:        cfg,
		boards:     boards,
		state:      state,
		presence:   presence,
		locks:      locks,
		snaps:      snaps,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		saveCounts: make(map[string]int),
		lastHash:   make(map[string]uint64),
	}
}

// Start launches the save loop. Calling it again is a no-op.
func (a *AutoSaver) Start() {
	if !a.started.CompareAndSwap(false, true) {
		logger.Log.Warn("auto-saver already running, ignoring second start")
		return
	}
	go a.run()
	logger.Log.Info("auto-saver started", "interval", a.cfg.Interval)
}

// Stop halts the loop and runs one final sweep so nothing in flight is lost.
func (a *AutoSaver) Stop(ctx context.Context) {
	if !a.started.Load() {
		return
	}
	close(a.stop)
	<-a.stopped
	a.sweep(ctx)
	logger.Log.Info("auto-saver stopped")
}

func (a *AutoSaver) run() {
	defer close(a.stopped)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Interval)
			a.sweep(ctx)
			cancel()
		case <-a.stop:
			return
		}
	}
}

// sweep flushes every board with active presence and refreshes the edit-lock
// gauge. The gauge is derived from a key scan each tick because lock TTL
// expiry leaves no event to decrement on.
func (a *AutoSaver) sweep(ctx context.Context) {
	if a.locks != nil {
		if n, err := a.locks.CountActive(ctx); err != nil {
			logger.Log.Error("edit lock scan failed", "error", err)
		} else {
			metrics.EditLocksActive.Set(float64(n))
		}
	}

	boardIDs, err := a.presence.ActiveBoards(ctx)
	if err != nil {
		logger.Log.Error("active board scan failed", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, boardID := range boardIDs {
		g.Go(func() error {
			if err := a.FlushBoard(gctx, boardID); err != nil {
				logger.Log.Error("auto-save failed", "board_id", boardID, "error", err)
			}
			// errors are isolated per board
			return nil
		})
	}
	_ = g.Wait()
}

// FlushBoard persists one board's cached state. Also called synchronously by
// a hub when its room empties.
func (a *AutoSaver) FlushBoard(ctx context.Context, boardID string) error {
	state, err := a.state.Get(ctx, boardID)
	if err != nil {
		metrics.AutoSaveTotal.WithLabelValues("error").Inc()
		return err
	}
	if state == nil {
		// nothing cached, nothing to save
		return nil
	}

	objectsJSON, err := json.Marshal(state.Objects)
	if err != nil {
		metrics.AutoSaveTotal.WithLabelValues("error").Inc()
		return err
	}

	if a.sameAsLastFlush(boardID, objectsJSON) {
		metrics.AutoSaveTotal.WithLabelValues("skip").Inc()
		return nil
	}

	var rows int64
	op := func() error {
		var opErr error
		rows, opErr = a.boards.UpdateObjectsWithVersion(ctx, boardID, objectsJSON, state.PostgresVersion)
		return opErr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		metrics.AutoSaveTotal.WithLabelValues("error").Inc()
		return err
	}

	if rows == 0 {
		// someone else advanced the row; the durable store wins
		return a.reconcile(ctx, boardID)
	}

	newVersion := state.PostgresVersion + 1
	if err := a.state.SetSynced(ctx, boardID, newVersion); err != nil {
		logger.Log.Error("cache sync mark failed", "board_id", boardID, "error", err)
	}
	a.rememberFlush(boardID, objectsJSON)
	metrics.AutoSaveTotal.WithLabelValues("ok").Inc()

	if a.snaps != nil && a.bumpSaveCount(boardID) && len(state.Objects) > 0 {
		a.snaps.Snapshot(ctx, boardID, "auto-save", state.Objects)
	}
	return nil
}

// reconcile reloads the authoritative row over the cache after a version
// conflict and restarts the board's snapshot cadence. The reload yields to
// concurrent hub mutations; when it loses, the next tick tries again.
func (a *AutoSaver) reconcile(ctx context.Context, boardID string) error {
	metrics.AutoSaveTotal.WithLabelValues("conflict").Inc()
	logger.Log.Warn("auto-save version conflict, reloading durable state", "board_id", boardID)

	landed, err := a.state.ReconcileFromDurable(ctx, boardID)
	if err != nil {
		return err
	}
	if !landed {
		logger.Log.Warn("cache busy during reconcile, retrying next tick", "board_id", boardID)
	}

	a.mu.Lock()
	a.saveCounts[boardID] = 0
	delete(a.lastHash, boardID)
	a.mu.Unlock()
	return nil
}

// bumpSaveCount reports whether this save completes a snapshot cycle.
func (a *AutoSaver) bumpSaveCount(boardID string) bool {
	if a.cfg.SnapshotEveryNSaves <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saveCounts[boardID]++
	if a.saveCounts[boardID] >= a.cfg.SnapshotEveryNSaves {
		a.saveCounts[boardID] = 0
		return true
	}
	return false
}

func (a *AutoSaver) sameAsLastFlush(boardID string, objectsJSON []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastHash[boardID]
	return ok && last == hashBytes(objectsJSON)
}

func (a *AutoSaver) rememberFlush(boardID string, objectsJSON []byte) {
	a.mu.Lock()
	a.lastHash[boardID] = hashBytes(objectsJSON)
	a.mu.Unlock()
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
