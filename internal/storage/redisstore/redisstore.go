// Package redisstore implements the shared live state: cached board objects,
// presence, websocket sessions, edit locks and chat history. Everything here
// is keyed state with TTL so multiple service instances can coordinate; the
// read-modify-write operations on board state are safe because each board's
// hub is its single writer.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openboard/openboard/internal/logger"
	"github.com/openboard/openboard/internal/metrics"
)

func New(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Log.Info("connected to redis", "component", "redisstore")
	return client, nil
}

// Key layout, bit-compatible with co-deployed clients.
func boardStateKey(boardID string) string { return "board:" + boardID + ":state" }

func presenceKey(boardID, userID string) string { return "presence:" + boardID + ":" + userID }

func sessionKey(connectionID string) string { return "ws:session:" + connectionID }

func editLockKey(boardID, objectID string) string { return "edit:" + boardID + ":" + objectID }

func chatKey(boardID, userID string) string { return "chat:" + boardID + ":" + userID }

func observe(op string) { metrics.RedisOpTotal.WithLabelValues(op).Inc() }

// scanKeys collects every key matching pattern. Presence and edit-lock key
// spaces are small (one key per live viewer / held lock), so a full SCAN is
// acceptable here.
func scanKeys(ctx context.Context, rdb *redis.Client, pattern string) ([]string, error) {
	var keys []string
	iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}
