// Package pg implements the durable store: board rows with optimistic version
// locking, immutable version snapshots, and user profiles.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/logger"
)

type Storage struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Storage, error) {
	logger.Log.Info("connecting to postgres", "component", "pg")
	db, err := Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("connected to postgres", "component", "pg")
	return &Storage{db: db}, nil
}

func Connect(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, err
	}
	return db, nil
}

func (s *Storage) Cleanup() error {
	return s.db.Close()
}

// Ping reports durable-store reachability for the health endpoint.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// mapError converts driver errors into the service error kinds. Unique
// violations (duplicate slot) become CONFLICT, everything else stays retriable.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return apperr.New(apperr.CodeConflict, "constraint violation: %s", pqErr.Constraint)
	}
	return err
}
