package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/equiplan/equiplan/internal/audit"
	jobmetrics "github.com/equiplan/equiplan/internal/jobs"
)

// EntryPruner deletes ledger entries older than a cutoff.
type EntryPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetentionJob prunes ledger entries past the configured horizon. This
// is the one sanctioned deletion path into the append-only ledger.
type AuditRetentionJob struct {
	Audit  EntryPruner
	Logger *slog.Logger
	M      *jobmetrics.Metrics
	clock  func() time.Time
}

// NewAuditRetentionJob initialises the retention handler.
func NewAuditRetentionJob(auditRepo *audit.Repository, logger *slog.Logger, m *jobmetrics.Metrics) *AuditRetentionJob {
	return &AuditRetentionJob{
		Audit:  auditRepo,
		Logger: logger,
		M:      m,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one retention sweep.
func (j *AuditRetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("audit retention: handler not configured")
	}
	var payload AuditRetentionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		// Two years unless configured otherwise.
		payload.Retention = 2 * 365 * 24 * time.Hour
	}

	tracker := j.M.Track(TaskAuditRetention)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	cutoff := j.clock().Add(-payload.Retention)
	pruned, err := j.Audit.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		resultErr = err
		j.Logger.Error("audit retention failed", slog.Any("error", err))
		return resultErr
	}
	j.M.AddPrunedEntries(pruned)
	if pruned > 0 {
		j.Logger.Info("audit retention finished",
			slog.Int64("pruned", pruned),
			slog.Time("cutoff", cutoff))
	}
	return nil
}
