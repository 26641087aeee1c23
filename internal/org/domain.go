package org

import (
	"errors"
	"strings"
	"time"
)

// Status enumerates organization lifecycle values.
type Status string

const (
	// StatusActive marks a tenant open for normal operation.
	StatusActive Status = "active"
	// StatusSuspended blocks every action except audit inspection by admins.
	StatusSuspended Status = "suspended"
)

// Organization is a tenant: the unit of ownership for all resources.
// External organizations are owned by an upstream system of record and can
// never be hard-deleted, only suspended or unlinked.
type Organization struct {
	ID         int64
	Code       string
	Name       string
	Status     Status
	IsExternal bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateInput captures organization creation input.
type CreateInput struct {
	Code       string `validate:"required,max=32"`
	Name       string `validate:"required,max=128"`
	IsExternal bool
	ActorID    int64
	Reason     string
}

// Validate ensures correctness.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Code) == "" {
		return errors.New("org: code required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("org: name required")
	}
	if in.ActorID == 0 {
		return errors.New("org: actor required")
	}
	return nil
}

var (
	// ErrNotFound occurs when the organization is missing.
	ErrNotFound = errors.New("org: not found")
)
