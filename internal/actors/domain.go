// Package actors manages authenticated principals and their organization
// memberships.
package actors

import (
	"errors"
	"strings"
	"time"
)

// Status enumerates actor lifecycle values.
type Status string

const (
	// StatusActive allows normal operation.
	StatusActive Status = "active"
	// StatusLocked blocks login and every resolved action.
	StatusLocked Status = "locked"
	// StatusSuspended blocks login and every resolved action.
	StatusSuspended Status = "suspended"
)

// Actor is an authenticated principal. The set of organizations it may act
// within derives from its grants and is read fresh per request.
type Actor struct {
	ID           int64
	Email        string
	DisplayName  string
	PasswordHash string
	Status       Status
	DefaultOrgID *int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateInput captures actor creation input.
type CreateInput struct {
	Email        string `validate:"required,email"`
	DisplayName  string `validate:"required,max=128"`
	Password     string `validate:"required,min=8"`
	DefaultOrgID *int64
	ActorID      int64
	Reason       string
}

// Validate ensures correctness before hashing or store access.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Email) == "" {
		return errors.New("actors: email required")
	}
	if strings.TrimSpace(in.DisplayName) == "" {
		return errors.New("actors: display name required")
	}
	if len(in.Password) < 8 {
		return errors.New("actors: password too short")
	}
	if in.ActorID == 0 {
		return errors.New("actors: creating actor required")
	}
	return nil
}

var (
	// ErrNotFound occurs when the actor is missing.
	ErrNotFound = errors.New("actors: not found")
)
