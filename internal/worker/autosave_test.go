package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/storage/redisstore"
)

type mockBoardRepo struct {
	mu          sync.Mutex
	updateCalls int

	UpdateObjectsWithVersionFunc func(ctx context.Context, id string, objectsJSON []byte, expectedVersion int64) (int64, error)
}

func (m *mockBoardRepo) UpdateObjectsWithVersion(ctx context.Context, id string, objectsJSON []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	m.updateCalls++
	m.mu.Unlock()
	return m.UpdateObjectsWithVersionFunc(ctx, id, objectsJSON, expectedVersion)
}

func (m *mockBoardRepo) updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCalls
}

type mockVersionRepo struct {
	mu      sync.Mutex
	inserts []string
	count   int
	trims   int
}

func (m *mockVersionRepo) InsertVersion(_ context.Context, boardID, _ string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts = append(m.inserts, boardID)
	m.count++
	return nil
}

func (m *mockVersionRepo) CountVersions(_ context.Context, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count, nil
}

func (m *mockVersionRepo) DeleteOldestVersions(_ context.Context, _ string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trims++
	m.count = keep
	return nil
}

func (m *mockVersionRepo) snapshots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserts)
}

type staticLister struct{ boards []string }

func (l *staticLister) ActiveBoards(_ context.Context) ([]string, error) {
	return l.boards, nil
}

type nilLoader struct{}

func (nilLoader) GetBoard(context.Context, string) (*domain.Board, error) {
	return nil, apperr.ErrNotFound
}

type stubDurable struct{ board *domain.Board }

func (s stubDurable) GetBoard(context.Context, string) (*domain.Board, error) {
	return s.board, nil
}

func newStateStore(t *testing.T) *redisstore.StateStore {
	return newStateStoreWith(t, nilLoader{})
}

func newStateStoreWith(t *testing.T, loader redisstore.DurableLoader) *redisstore.StateStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return redisstore.NewStateStore(client, loader)
}

func cached(objects []domain.BoardObject, version int64) *domain.CachedBoardState {
	return &domain.CachedBoardState{Objects: objects, PostgresVersion: version, LastSyncedAt: time.Now().UTC()}
}

func note(id, text string) domain.BoardObject {
	return domain.BoardObject{ID: id, Type: domain.ObjectSticky, Text: text}
}

func newSaver(cfg AutoSaveConfig, repo *mockBoardRepo, state StateCache, lister ActiveBoardLister, versions *mockVersionRepo) *AutoSaver {
	var snaps *Snapshotter
	if versions != nil {
		snaps = NewSnapshotter(versions, 50)
	}
	return NewAutoSaver(cfg, repo, state, lister, nil, snaps)
}

func TestFlushBoardSavesAndAdvancesVersion(t *testing.T) {
	ctx := context.Background()
	state := newStateStore(t)
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "hi")}, 3)))

	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(_ context.Context, id string, _ []byte, expected int64) (int64, error) {
			assert.Equal(t, "b1", id)
			assert.Equal(t, int64(3), expected)
			return 1, nil
		},
	}
	saver := newSaver(AutoSaveConfig{Interval: time.Minute, SnapshotEveryNSaves: 100}, repo, state, &staticLister{}, nil)

	require.NoError(t, saver.FlushBoard(ctx, "b1"))

	got, err := state.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.PostgresVersion)
}

func TestFlushBoardSkipsUnchangedContent(t *testing.T) {
	ctx := context.Background()
	state := newStateStore(t)
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "hi")}, 1)))

	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(context.Context, string, []byte, int64) (int64, error) { return 1, nil },
	}
	saver := newSaver(AutoSaveConfig{Interval: time.Minute}, repo, state, &staticLister{}, nil)

	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	assert.Equal(t, 1, repo.updates())

	// content changed, so the next tick writes again
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "edited")}, 2)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	assert.Equal(t, 2, repo.updates())
}

func TestFlushBoardNoCacheIsNoop(t *testing.T) {
	state := newStateStore(t)
	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(context.Context, string, []byte, int64) (int64, error) {
			t.Fatal("update should not run without cached state")
			return 0, nil
		},
	}
	saver := newSaver(AutoSaveConfig{Interval: time.Minute}, repo, state, &staticLister{}, nil)
	require.NoError(t, saver.FlushBoard(context.Background(), "b1"))
}

func TestConflictReloadsDurableState(t *testing.T) {
	ctx := context.Background()
	durable := []domain.BoardObject{note("o1", "authoritative"), note("o2", "extra")}
	state := newStateStoreWith(t, stubDurable{board: &domain.Board{ID: "b1", Version: 7, Objects: durable}})
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "stale")}, 3)))

	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(context.Context, string, []byte, int64) (int64, error) {
			return 0, nil // version moved underneath us
		},
	}
	saver := newSaver(AutoSaveConfig{Interval: time.Minute}, repo, state, &staticLister{}, nil)

	require.NoError(t, saver.FlushBoard(ctx, "b1"))

	got, err := state.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.PostgresVersion)
	require.Len(t, got.Objects, 2)
	assert.Equal(t, "authoritative", got.Objects[0].Text)
}

func TestSnapshotEveryNSaves(t *testing.T) {
	ctx := context.Background()
	state := newStateStore(t)
	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(context.Context, string, []byte, int64) (int64, error) { return 1, nil },
	}
	versions := &mockVersionRepo{}
	saver := newSaver(AutoSaveConfig{Interval: time.Minute, SnapshotEveryNSaves: 2}, repo, state, &staticLister{}, versions)

	for i, text := range []string{"a", "b", "c", "d"} {
		require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", text)}, int64(i+1))))
		require.NoError(t, saver.FlushBoard(ctx, "b1"))
	}
	// four saves at N=2 means two snapshots
	assert.Equal(t, 2, versions.snapshots())
}

func TestEmptyBoardFlushSkipsSnapshot(t *testing.T) {
	ctx := context.Background()
	state := newStateStore(t)
	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(context.Context, string, []byte, int64) (int64, error) { return 1, nil },
	}
	versions := &mockVersionRepo{}
	saver := newSaver(AutoSaveConfig{Interval: time.Minute, SnapshotEveryNSaves: 2}, repo, state, &staticLister{}, versions)

	// the cadence lands on an empty board: no zero-object version is written
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "a")}, 1)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{}, 2)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	assert.Zero(t, versions.snapshots())

	// content comes back and the next full cycle snapshots normally
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o2", "b")}, 3)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o3", "c")}, 4)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	assert.Equal(t, 1, versions.snapshots())
}

func TestConflictResetsSnapshotCadence(t *testing.T) {
	ctx := context.Background()
	state := newStateStoreWith(t, stubDurable{board: &domain.Board{ID: "b1", Version: 100, Objects: []domain.BoardObject{}}})

	conflictNext := false
	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(context.Context, string, []byte, int64) (int64, error) {
			if conflictNext {
				return 0, nil
			}
			return 1, nil
		},
	}
	versions := &mockVersionRepo{}
	saver := newSaver(AutoSaveConfig{Interval: time.Minute, SnapshotEveryNSaves: 2}, repo, state, &staticLister{}, versions)

	// one good save, then a conflict wipes the cadence
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "a")}, 1)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	conflictNext = true
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "b")}, 2)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	conflictNext = false
	assert.Zero(t, versions.snapshots())

	// cadence restarts from zero: the snapshot lands on the second post-conflict save
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "c")}, 100)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	assert.Zero(t, versions.snapshots())
	require.NoError(t, state.Put(ctx, "b1", cached([]domain.BoardObject{note("o1", "d")}, 101)))
	require.NoError(t, saver.FlushBoard(ctx, "b1"))
	assert.Equal(t, 1, versions.snapshots())
}

func TestSweepIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	state := newStateStore(t)
	require.NoError(t, state.Put(ctx, "bad", cached([]domain.BoardObject{note("o1", "x")}, 1)))
	require.NoError(t, state.Put(ctx, "good", cached([]domain.BoardObject{note("o2", "y")}, 1)))

	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(_ context.Context, id string, _ []byte, _ int64) (int64, error) {
			if id == "bad" {
				return 0, errors.New("connection refused")
			}
			return 1, nil
		},
	}
	saver := newSaver(AutoSaveConfig{Interval: time.Minute}, repo, state, &staticLister{boards: []string{"bad", "good"}}, nil)

	saver.sweep(ctx)

	got, err := state.Get(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.PostgresVersion)
}

func TestStartIsSingleton(t *testing.T) {
	state := newStateStore(t)
	repo := &mockBoardRepo{
		UpdateObjectsWithVersionFunc: func(context.Context, string, []byte, int64) (int64, error) { return 1, nil },
	}
	saver := newSaver(AutoSaveConfig{Interval: time.Hour}, repo, state, &staticLister{}, nil)

	saver.Start()
	saver.Start() // no-op, must not spawn a second loop or panic

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	saver.Stop(ctx)
}

func TestSnapshotterTrimsHistory(t *testing.T) {
	versions := &mockVersionRepo{count: 50}
	snaps := NewSnapshotter(versions, 50)

	snaps.Snapshot(context.Background(), "b1", "auto-save", []domain.BoardObject{note("o1", "x")})

	versions.mu.Lock()
	defer versions.mu.Unlock()
	assert.Equal(t, 1, versions.trims)
	assert.Equal(t, 50, versions.count)
}
