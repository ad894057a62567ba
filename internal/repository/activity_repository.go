package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const activityKeyPrefix = "session:activity:"

// ActivityRepository keeps activity marks in Redis for deployments that do not
// want a users row write on every authenticated request.
type ActivityRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewActivityRepository constructs a Redis-backed activity store. Marks expire
// after ttl; keep it at least as long as the refresh credential lifetime so an
// idle principal cannot outlive its own mark.
func NewActivityRepository(client *redis.Client, ttl time.Duration) *ActivityRepository {
	return &ActivityRepository{client: client, ttl: ttl}
}

// LastActivity returns the stored mark or nil when none exists.
func (r *ActivityRepository) LastActivity(ctx context.Context, id string) (*time.Time, error) {
	raw, err := r.client.Get(ctx, activityKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get activity %s: %w", id, err)
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse activity mark for %s: %w", id, err)
	}
	mark := time.Unix(0, nanos).UTC()
	return &mark, nil
}

// TouchActivity stores ts as the latest activity of id.
func (r *ActivityRepository) TouchActivity(ctx context.Context, id string, ts time.Time) error {
	if err := r.client.Set(ctx, activityKey(id), strconv.FormatInt(ts.UnixNano(), 10), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set activity %s: %w", id, err)
	}
	return nil
}

func activityKey(id string) string {
	return activityKeyPrefix + id
}
