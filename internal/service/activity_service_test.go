package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/parish-admin-api/pkg/errors"
)

type memoryActivityStore struct {
	mu       sync.Mutex
	marks    map[string]time.Time
	readErr  error
	writeErr error
	writes   int
}

func newMemoryActivityStore() *memoryActivityStore {
	return &memoryActivityStore{marks: map[string]time.Time{}}
}

func (m *memoryActivityStore) LastActivity(ctx context.Context, id string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	ts, ok := m.marks[id]
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

func (m *memoryActivityStore) TouchActivity(ctx context.Context, id string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.marks[id] = ts
	m.writes++
	return nil
}

func (m *memoryActivityStore) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = map[string]time.Time{}
}

type countingMetrics struct {
	noopMetrics
	idle     int
	degraded map[string]int
}

func (c *countingMetrics) RecordIdleExpiry() { c.idle++ }

func (c *countingMetrics) RecordActivityDegraded(op string) {
	if c.degraded == nil {
		c.degraded = map[string]int{}
	}
	c.degraded[op]++
}

func newActivityFixture(timeout time.Duration) (*ActivityService, *memoryActivityStore, *testClock, *countingMetrics) {
	store := newMemoryActivityStore()
	clock := &testClock{now: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)}
	metrics := &countingMetrics{}
	svc := NewActivityService(store, timeout, nil, WithActivityClock(clock.Now), WithActivityMetrics(metrics))
	return svc, store, clock, metrics
}

func TestActivityCheckWithinWindow(t *testing.T) {
	svc, store, clock, _ := newActivityFixture(600 * time.Second)
	ctx := context.Background()

	require.NoError(t, svc.Check(ctx, "42"))
	clock.Advance(599 * time.Second)
	require.NoError(t, svc.Check(ctx, "42"))

	mark, err := store.LastActivity(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), *mark)
}

func TestActivityCheckExactlyAtTimeoutPasses(t *testing.T) {
	svc, _, clock, _ := newActivityFixture(600 * time.Second)
	ctx := context.Background()

	svc.Touch(ctx, "42")
	clock.Advance(600 * time.Second)
	assert.NoError(t, svc.Check(ctx, "42"))
}

func TestActivityCheckIdleExpired(t *testing.T) {
	svc, store, clock, metrics := newActivityFixture(600 * time.Second)
	ctx := context.Background()

	svc.Touch(ctx, "42")
	start := clock.Now()
	clock.Advance(700 * time.Second)

	err := svc.Check(ctx, "42")
	assert.ErrorIs(t, err, appErrors.ErrSessionExpiredByInactivity)
	assert.Equal(t, 1, metrics.idle)

	mark, _ := store.LastActivity(ctx, "42")
	assert.Equal(t, start, *mark, "rejected check must not refresh the mark")
}

func TestActivityCheckDisabledTimeout(t *testing.T) {
	svc, _, clock, _ := newActivityFixture(0)
	ctx := context.Background()

	svc.Touch(ctx, "42")
	clock.Advance(48 * time.Hour)
	assert.NoError(t, svc.Check(ctx, "42"))
}

func TestActivityStoreFailuresDegrade(t *testing.T) {
	svc, store, clock, metrics := newActivityFixture(600 * time.Second)
	ctx := context.Background()

	svc.Touch(ctx, "42")
	clock.Advance(time.Hour)

	store.readErr = errors.New("redis: connection refused")
	assert.NoError(t, svc.Check(ctx, "42"))
	assert.Equal(t, 1, metrics.degraded["read"])

	store.readErr = nil
	store.writeErr = errors.New("redis: connection refused")
	svc.Touch(ctx, "42")
	assert.Equal(t, 1, metrics.degraded["write"])
	assert.Equal(t, 0, metrics.idle)
}
