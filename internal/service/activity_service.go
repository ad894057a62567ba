package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/parish-admin-api/pkg/errors"
)

// ActivityStore persists the last activity instant of a principal.
type ActivityStore interface {
	LastActivity(ctx context.Context, principalID string) (*time.Time, error)
	TouchActivity(ctx context.Context, principalID string, ts time.Time) error
}

// ActivityService enforces the idle timeout on authenticated requests.
//
// The store is best effort: a failed read or write is logged and the request
// proceeds as if no activity had been recorded.
type ActivityService struct {
	store       ActivityStore
	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     authMetrics
	now         func() time.Time
}

// ActivityOption customises an ActivityService.
type ActivityOption func(*ActivityService)

// WithActivityClock overrides the time source.
func WithActivityClock(now func() time.Time) ActivityOption {
	return func(s *ActivityService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithActivityMetrics reports idle expiries and store failures.
func WithActivityMetrics(metrics authMetrics) ActivityOption {
	return func(s *ActivityService) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// NewActivityService constructs the tracker. An idleTimeout of zero or less
// disables expiry; marks are still written.
func NewActivityService(store ActivityStore, idleTimeout time.Duration, logger *zap.Logger, opts ...ActivityOption) *ActivityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ActivityService{
		store:       store,
		idleTimeout: idleTimeout,
		logger:      logger,
		metrics:     noopMetrics{},
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IdleTimeout returns the configured idle window.
func (s *ActivityService) IdleTimeout() time.Duration {
	return s.idleTimeout
}

// Check rejects principals idle for longer than the timeout and otherwise
// records the current instant. A rejected check leaves the mark untouched.
func (s *ActivityService) Check(ctx context.Context, principalID string) error {
	now := s.now()

	mark, err := s.store.LastActivity(ctx, principalID)
	if err != nil {
		s.degraded("read", principalID, err)
		mark = nil
	}

	if mark != nil && s.idleTimeout > 0 && now.Sub(*mark) > s.idleTimeout {
		s.metrics.RecordIdleExpiry()
		s.logger.Info("session expired by inactivity",
			zap.String("user_id", principalID),
			zap.Duration("idle", now.Sub(*mark)),
			zap.Duration("timeout", s.idleTimeout),
		)
		return appErrors.Clone(appErrors.ErrSessionExpiredByInactivity, "")
	}

	s.write(ctx, principalID, now)
	return nil
}

// Touch records activity unconditionally, used when a session starts.
func (s *ActivityService) Touch(ctx context.Context, principalID string) {
	s.write(ctx, principalID, s.now())
}

func (s *ActivityService) write(ctx context.Context, principalID string, ts time.Time) {
	if err := s.store.TouchActivity(ctx, principalID, ts); err != nil {
		s.degraded("write", principalID, err)
	}
}

func (s *ActivityService) degraded(op, principalID string, err error) {
	s.metrics.RecordActivityDegraded(op)
	s.logger.Warn("activity store unavailable, continuing without activity",
		zap.String("op", op),
		zap.String("user_id", principalID),
		zap.Error(err),
	)
}
