// Package pfa manages equipment plan, forecast and actual amount records,
// the tenant-scoped business data the permission chain protects.
package pfa

import (
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes the three amount series a record can belong to.
type Kind string

const (
	KindPlan     Kind = "plan"
	KindForecast Kind = "forecast"
	KindActual   Kind = "actual"
)

// KnownKind reports whether k is a valid series kind.
func KnownKind(k Kind) bool {
	switch k {
	case KindPlan, KindForecast, KindActual:
		return true
	}
	return false
}

// Record is one equipment amount for a period within an organization.
type Record struct {
	ID        int64
	OrgID     int64
	Category  string
	Kind      Kind
	Amount    float64
	Period    string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ErrNotFound occurs when no record matches the id.
var ErrNotFound = errors.New("pfa: record not found")

// CreateInput carries a new record plus mutation metadata.
type CreateInput struct {
	OrgID    int64
	Category string
	Kind     Kind
	Amount   float64
	Period   string
	ActorID  int64
	Reason   string
}

// Validate checks field-level constraints before any state change.
func (in CreateInput) Validate() error {
	if in.OrgID <= 0 {
		return fmt.Errorf("org_id is required")
	}
	if in.Category == "" {
		return fmt.Errorf("category is required")
	}
	if !KnownKind(in.Kind) {
		return fmt.Errorf("kind must be plan, forecast or actual")
	}
	if in.Period == "" {
		return fmt.Errorf("period is required")
	}
	if in.Amount < 0 {
		return fmt.Errorf("amount must not be negative")
	}
	return nil
}

// UpdateInput mutates an existing record under optimistic concurrency.
type UpdateInput struct {
	ID      int64
	Amount  float64
	Version int64
	ActorID int64
	Reason  string
}

// BulkUpdateItem is one element of a batch amount update.
type BulkUpdateItem struct {
	ID     int64   `json:"id"`
	Amount float64 `json:"amount"`
}

// ListFilters narrows record queries. OrgIDs is always intersected with the
// actor's allowed organizations before reaching the store.
type ListFilters struct {
	OrgIDs   []int64
	Category string
	Kind     Kind
	Period   string
}
