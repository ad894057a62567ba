package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/noah-isme/parish-admin-api/internal/models"
	"github.com/noah-isme/parish-admin-api/pkg/config"
)

type countingAuditStore struct {
	mu      sync.Mutex
	actions []string
}

func (s *countingAuditStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, log.Action)
	return nil
}

func TestAuditServiceOutlivesShutdownSignal(t *testing.T) {
	store := &countingAuditStore{}
	ctx, cancel := context.WithCancel(context.Background())

	svc := startAuditService(ctx, store, config.AuditConfig{Workers: 1, Buffer: 4}, zap.NewNop())
	cancel()

	// a logout finishing while the server shuts down.
	svc.Record(models.AuditLog{Action: models.AuditActionLogout, Resource: "auth"})
	svc.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{models.AuditActionLogout}, store.actions)
}
