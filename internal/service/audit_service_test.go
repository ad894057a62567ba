package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/parish-admin-api/internal/models"
	"github.com/noah-isme/parish-admin-api/pkg/jobs"
)

type mockAuditWriter struct {
	mu      sync.Mutex
	entries []*models.AuditLog
}

func (m *mockAuditWriter) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, log)
	return nil
}

func (m *mockAuditWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestAuditServiceWritesInBackground(t *testing.T) {
	writer := &mockAuditWriter{}
	svc := NewAuditService(writer, jobs.QueueConfig{Workers: 2, BufferSize: 8})
	svc.Start(context.Background())
	defer svc.Stop()

	userID := "42"
	svc.Record(models.AuditLog{UserID: &userID, Action: models.AuditActionLogin, Resource: "auth"})
	svc.Record(models.AuditLog{UserID: &userID, Action: models.AuditActionLogout, Resource: "auth"})

	require.Eventually(t, func() bool { return writer.count() == 2 }, time.Second, 10*time.Millisecond)
	writer.mu.Lock()
	defer writer.mu.Unlock()
	for _, entry := range writer.entries {
		assert.NotEmpty(t, entry.ID)
	}
}

func TestAuditServiceDropsWhenNotStarted(t *testing.T) {
	writer := &mockAuditWriter{}
	svc := NewAuditService(writer, jobs.QueueConfig{Workers: 1, BufferSize: 1})

	assert.NotPanics(t, func() {
		svc.Record(models.AuditLog{Action: models.AuditActionLogin})
	})
	assert.Equal(t, 0, writer.count())
}

func TestAuditServiceStopFlushesBufferedEntries(t *testing.T) {
	writer := &mockAuditWriter{}
	svc := NewAuditService(writer, jobs.QueueConfig{Workers: 1, BufferSize: 16})
	svc.Start(context.Background())

	for i := 0; i < 10; i++ {
		svc.Record(models.AuditLog{Action: models.AuditActionRefresh, Resource: "auth"})
	}
	svc.Stop()

	assert.Equal(t, 10, writer.count())
	svc.Record(models.AuditLog{Action: models.AuditActionLogout})
	assert.Equal(t, 10, writer.count())
}
