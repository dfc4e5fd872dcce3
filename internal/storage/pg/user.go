package pg

import (
	"context"
	"time"

	"github.com/openboard/openboard/internal/domain"
	"github.com/openboard/openboard/internal/metrics"
)

// UpsertUser refreshes the local profile row from the identity provider's
// claims on every successful handshake.
func (s *Storage) UpsertUser(ctx context.Context, user domain.User) error {
	defer func(start time.Time) { metrics.ObserveDb("user", "upsert", start) }(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, avatar, color, tier)
		VALUES ($1, $2, $3, $4, $5, COALESCE(NULLIF($6, ''), 'free'))
		ON CONFLICT (id) DO UPDATE
		SET email = EXCLUDED.email,
		    name = EXCLUDED.name,
		    avatar = EXCLUDED.avatar,
		    color = EXCLUDED.color,
		    updated_at = now()`,
		user.ID, user.Email, user.Name, user.Avatar, user.Color, user.Tier)
	return mapError(err)
}

func (s *Storage) GetUser(ctx context.Context, id string) (*domain.User, error) {
	defer func(start time.Time) { metrics.ObserveDb("user", "get", start) }(time.Now())

	var u domain.User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, avatar, color, tier FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Avatar, &u.Color, &u.Tier)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}
