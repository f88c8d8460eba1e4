// Package optout looks up the per-user notification opt-out flag.
//
// The flag is written by the user service; this side only reads it. An
// absent key means the user has not opted out.
package optout

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "user:optout:"

type Gate struct {
	rdb *redis.Client
}

func NewGate(rdb *redis.Client) *Gate {
	return &Gate{rdb: rdb}
}

func (g *Gate) IsOptedOut(ctx context.Context, userID uuid.UUID) (bool, error) {
	val, err := g.rdb.Get(ctx, keyPrefix+userID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("optout lookup: %w", err)
	}
	return val == "true" || val == "1", nil
}
