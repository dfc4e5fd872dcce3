// Package setup builds the dependency graph from configuration.
package setup

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/openboard/openboard/internal/auth"
	"github.com/openboard/openboard/internal/config"
	"github.com/openboard/openboard/internal/handler"
	"github.com/openboard/openboard/internal/storage/pg"
	"github.com/openboard/openboard/internal/storage/redisstore"
	"github.com/openboard/openboard/internal/worker"
	"github.com/openboard/openboard/internal/ws"
)

// Dependencies holds every initialized component of the service.
type Dependencies struct {
	Config  *config.Config
	Storage *pg.Storage
	Redis   *redis.Client

	State    *redisstore.StateStore
	Presence *redisstore.PresenceStore
	Locks    *redisstore.EditLockStore
	Chat     *redisstore.ChatHistoryStore

	Auth      *auth.Authenticator
	AutoSaver *worker.AutoSaver
	Retention *worker.Retention
	Manager   *ws.Manager

	API    *handler.Handler
	WS     *ws.Handler
	Health *handler.Health
}

func Build(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	storage, err := pg.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	rdb, err := redisstore.New(ctx, cfg.RedisURL)
	if err != nil {
		storage.Cleanup()
		return nil, err
	}

	state := redisstore.NewStateStore(rdb, storage)
	presence := redisstore.NewPresenceStore(rdb, cfg.PresenceTTL, cfg.SessionTTL)
	locks := redisstore.NewEditLockStore(rdb, cfg.EditLockTTL)
	chat := redisstore.NewChatHistoryStore(rdb, cfg.ChatHistoryMaxMessages, cfg.ChatHistoryTTL)

	authn := auth.New(cfg.JwtSecret, cfg.E2ETestAuth, storage)

	snaps := worker.NewSnapshotter(storage, cfg.MaxVersionsPerBoard)
	saver := worker.NewAutoSaver(worker.AutoSaveConfig{
		Interval:            cfg.AutoSaveInterval,
		SnapshotEveryNSaves: cfg.SnapshotEveryNSaves,
	}, storage, state, presence, locks, snaps)
	retention := worker.NewRetention(storage, cfg.DeletedBoardRetention)

	manager := ws.NewManager(ws.HubConfig{MaxObjects: cfg.MaxObjectsPerBoard},
		state, presence, locks, saver)

	api := handler.New(storage, boardCleaner{state: state, chat: chat}, authn)
	wsHandler := ws.NewHandler(authn, manager, presence, cfg.AllowedOrigins,
		cfg.EventsPerSecond, cfg.CursorEventsPerSecond)
	health := handler.NewHealth(storage, handler.PingerFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))

	return &Dependencies{
		Config:    cfg,
		Storage:   storage,
		Redis:     rdb,
		State:     state,
		Presence:  presence,
		Locks:     locks,
		Chat:      chat,
		Auth:      authn,
		AutoSaver: saver,
		Retention: retention,
		Manager:   manager,
		API:       api,
		WS:        wsHandler,
		Health:    health,
	}, nil
}

// boardCleaner drops everything redis holds for a board when it is deleted:
// the live state and the per-user chat buffers.
type boardCleaner struct {
	state *redisstore.StateStore
	chat  *redisstore.ChatHistoryStore
}

func (c boardCleaner) Evict(ctx context.Context, boardID string) error {
	if err := c.state.Evict(ctx, boardID); err != nil {
		return err
	}
	return c.chat.PurgeAll(ctx, boardID)
}

// Cleanup closes the backing connections.
func (d *Dependencies) Cleanup() {
	_ = d.Redis.Close()
	_ = d.Storage.Cleanup()
}
