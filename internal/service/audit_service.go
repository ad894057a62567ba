package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/parish-admin-api/internal/models"
	"github.com/noah-isme/parish-admin-api/pkg/jobs"
)

const auditJobType = "audit_log"

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuditService writes session events to the audit trail off the request path.
type AuditService struct {
	repo   auditWriter
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditService builds the dispatcher. Call Start before recording.
func NewAuditService(repo auditWriter, cfg jobs.QueueConfig) *AuditService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &AuditService{repo: repo, logger: cfg.Logger}
	s.queue = jobs.NewQueue("audit", s.handle, cfg)
	return s
}

// Start launches the audit workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop flushes buffered entries, bounded by the queue drain timeout, and
// waits for the workers to exit.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Record enqueues entry without blocking. When the queue is full or stopped
// the entry is logged and dropped.
func (s *AuditService) Record(entry models.AuditLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := s.queue.TryEnqueue(jobs.Job{ID: entry.ID, Type: auditJobType, Payload: entry}); err != nil {
		s.logger.Warn("dropping audit log",
			zap.String("action", entry.Action),
			zap.Error(err),
		)
	}
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(models.AuditLog)
	if !ok {
		return fmt.Errorf("unexpected audit payload %T", job.Payload)
	}
	return s.repo.CreateAuditLog(ctx, &entry)
}
