package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskGrantExpirySweep scans for grants that crossed their expiry.
	TaskGrantExpirySweep = "grants:expiry-sweep"
	// TaskAuditRetention prunes ledger entries past the retention horizon.
	TaskAuditRetention = "audit:retention"
	// TaskOrgStatusFanout propagates an organization status change to caches.
	TaskOrgStatusFanout = "org:status-fanout"
)

// GrantExpirySweepPayload bounds the sweep window.
type GrantExpirySweepPayload struct {
	Window time.Duration `json:"window"`
}

// NewGrantExpirySweepTask constructs an Asynq task for the expiry sweep.
func NewGrantExpirySweepTask(window time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(GrantExpirySweepPayload{Window: window})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGrantExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// AuditRetentionPayload carries the retention horizon.
type AuditRetentionPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewAuditRetentionTask constructs an Asynq task for the retention sweep.
func NewAuditRetentionTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(AuditRetentionPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRetention, body, asynq.Queue(QueueDefault)), nil
}

// OrgStatusFanoutPayload identifies the changed organization.
type OrgStatusFanoutPayload struct {
	OrgID  int64  `json:"org_id"`
	Status string `json:"status"`
}

// NewOrgStatusFanoutTask constructs an Asynq task for a status change.
func NewOrgStatusFanoutTask(orgID int64, status string) (*asynq.Task, error) {
	body, err := json.Marshal(OrgStatusFanoutPayload{OrgID: orgID, Status: status})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOrgStatusFanout, body, asynq.Queue(QueueDefault)), nil
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// OrgStatusChanged enqueues a fanout task after a committed status change.
// Satisfies the organization service's notifier contract.
func (c *Client) OrgStatusChanged(ctx context.Context, orgID int64, status string) error {
	task, err := NewOrgStatusFanoutTask(orgID, status)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
