// Package audit implements the append-only mutation ledger with batch
// grouping and compensating reverts.
package audit

import (
	"encoding/json"
	"errors"
	"time"
)

// SystemActor attributes organization-scoped entries written by background
// jobs rather than a logged-in actor. It is never a valid login id.
const SystemActor int64 = -1

// Entry is one immutable ledger record. Snapshots are stored unredacted; the
// ledger is the source of truth and redaction happens at read time.
type Entry struct {
	ID           int64
	ActorID      int64
	OrgID        *int64
	Action       string
	ResourceType string
	ResourceID   string
	Before       json.RawMessage
	After        json.RawMessage
	Reason       string
	BatchID      string
	At           time.Time
}

// TimelineFilters narrows ledger queries.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	OrgID    int64
	ActorID  int64
	Action   string
	Resource string
	Page     int
	PageSize int
}

// PagingInfo carries windowed paging state.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result wraps timeline rows with paging information.
type Result struct {
	Rows   []Entry
	Paging PagingInfo
}

// RevertResult reports the outcome of reverting a batch.
type RevertResult struct {
	BatchID  string
	Reverted []int64
	Poisoned []int64
}

var (
	// ErrBatchNotFound occurs when no entries carry the batch id.
	ErrBatchNotFound = errors.New("audit: batch not found")
	// ErrNoApplier occurs when a resource type has no registered revert applier.
	ErrNoApplier = errors.New("audit: no revert applier for resource type")
)
