package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/equiplan/equiplan/internal/jobs"
	"github.com/equiplan/equiplan/internal/shared"
)

// OrgFanoutJob invalidates cached organization status after a change so the
// next permission resolution reads the new status from the store. Suspension
// takes effect fail-safe even if this job never runs, because the resolver
// reads the store directly; the cache only serves advisory lookups.
type OrgFanoutJob struct {
	Redis  *redis.Client
	Logger *slog.Logger
	M      *jobmetrics.Metrics
}

// NewOrgFanoutJob initialises the fanout handler.
func NewOrgFanoutJob(client *redis.Client, logger *slog.Logger, m *jobmetrics.Metrics) *OrgFanoutJob {
	return &OrgFanoutJob{Redis: client, Logger: logger, M: m}
}

// Handle processes one status change.
func (j *OrgFanoutJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("org fanout: handler not configured")
	}
	var payload OrgStatusFanoutPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.OrgID <= 0 {
		return asynq.SkipRetry
	}

	tracker := j.M.Track(TaskOrgStatusFanout)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	if j.Redis != nil {
		if err := j.Redis.Del(ctx, shared.OrgStatusCacheKey(payload.OrgID)).Err(); err != nil {
			resultErr = err
			j.Logger.Error("org fanout cache invalidation failed",
				slog.Int64("org", payload.OrgID), slog.Any("error", err))
			return resultErr
		}
	}
	j.Logger.Info("org status fanned out",
		slog.Int64("org", payload.OrgID),
		slog.String("status", payload.Status))
	return nil
}
