package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"

	"github.com/equiplan/equiplan/internal/audit"
	"github.com/equiplan/equiplan/internal/grants"
	jobmetrics "github.com/equiplan/equiplan/internal/jobs"
)

// ExpiredGrantSource lists grants whose expiry fell inside a window.
type ExpiredGrantSource interface {
	ExpiredBetween(ctx context.Context, from, to time.Time) ([]grants.Grant, error)
}

// LedgerTxRunner provides the transaction boundary for ledger appends.
type LedgerTxRunner interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

// GrantSweepJob records grants that crossed their expiry since the last run.
// Expiry needs no mutation: an expired grant already resolves to an empty
// capability set and its row is kept for audit history. The sweep exists so
// the ledger and the metrics show when access actually ended.
type GrantSweepJob struct {
	Grants ExpiredGrantSource
	Audit  LedgerTxRunner
	Ledger *audit.Ledger
	Logger *slog.Logger
	M      *jobmetrics.Metrics
	clock  func() time.Time
}

// NewGrantSweepJob initialises the sweep handler.
func NewGrantSweepJob(grantRepo *grants.Repository, auditRepo *audit.Repository, ledger *audit.Ledger, logger *slog.Logger, m *jobmetrics.Metrics) *GrantSweepJob {
	return &GrantSweepJob{
		Grants: grantRepo,
		Audit:  auditRepo,
		Ledger: ledger,
		Logger: logger,
		M:      m,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *GrantSweepJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("grant sweep: handler not configured")
	}
	var payload GrantExpirySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Window <= 0 {
		payload.Window = time.Hour
	}

	tracker := j.M.Track(TaskGrantExpirySweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	now := j.clock()
	expired, err := j.Grants.ExpiredBetween(ctx, now.Add(-payload.Window), now)
	if err != nil {
		resultErr = err
		j.Logger.Error("grant sweep query failed", slog.Any("error", err))
		return resultErr
	}
	if len(expired) == 0 {
		return nil
	}

	batchID := audit.NewBatchID()
	resultErr = j.Audit.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, g := range expired {
			_, err := j.Ledger.Record(ctx, tx, audit.Entry{
				ActorID:      audit.SystemActor,
				OrgID:        &g.OrgID,
				Action:       "grant.expire",
				ResourceType: grants.ResourceType,
				ResourceID:   strconv.FormatInt(g.ActorID, 10) + ":" + strconv.FormatInt(g.OrgID, 10),
				Before:       grants.Snapshot(g),
				Reason:       "expiry crossed",
				BatchID:      batchID,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if resultErr != nil {
		j.Logger.Error("grant sweep record failed", slog.Any("error", resultErr))
		return resultErr
	}

	j.M.AddExpiredGrants(len(expired))
	j.Logger.Info("grant sweep finished",
		slog.Int("expired", len(expired)),
		slog.String("batch", batchID))
	return nil
}
