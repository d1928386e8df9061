package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

// ErrStale is returned by ApplyTransition when the request no longer has the
// expected state and version.
var ErrStale = errors.New("stale request version")

// Transition is a conditional state change. It is applied only if the stored
// request is still in From at Version. Moving to CANCELLED clears the bound
// operator; ReleaseOperator names the operator to move from BUSY back to
// AVAILABLE in the same unit of work.
type Transition struct {
	RequestID       string
	From            models.State
	To              models.State
	Version         int
	At              time.Time
	Reason          string
	ReleaseOperator string
	CountCompletion bool
}

// RequestStore persists service requests. ClaimRequest and ApplyTransition are
// single conditional writes; implementations must never read-then-write across calls.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	HasActiveRequest(ctx context.Context, requesterID string) (bool, error)
	// ClaimRequest binds operatorID to a REQUESTED request and marks the operator
	// BUSY atomically. It returns models.ErrNotEligible when the operator is not
	// AVAILABLE and models.ErrConflict when the request is no longer claimable.
	ClaimRequest(ctx context.Context, requestID, operatorID string, at time.Time) (*models.ServiceRequest, error)
	ApplyTransition(ctx context.Context, t Transition) (*models.ServiceRequest, error)
}

type OperatorStore interface {
	// SaveOperator creates an operator or updates its profile fields only.
	SaveOperator(ctx context.Context, op *models.Operator) error
	GetOperator(ctx context.Context, id string) (*models.Operator, error)
	// GetOperators returns the operators that exist, in the order of ids.
	GetOperators(ctx context.Context, ids []string) ([]models.Operator, error)
	// ListMatchable returns AVAILABLE operators that have a position, ordered by id.
	ListMatchable(ctx context.Context) ([]models.Operator, error)
	UpdateOperatorLocation(ctx context.Context, id string, c *models.Coord, at time.Time) error
	// SetOperatorAvailability changes availability only if the current value is in from.
	SetOperatorAvailability(ctx context.Context, id string, from []models.Availability, to models.Availability, at time.Time) (bool, error)
}

// AuditLog is the append-only history of lifecycle transitions.
type AuditLog interface {
	AppendEvent(ctx context.Context, e models.StateChanged) error
}

type Store interface {
	RequestStore
	OperatorStore
}
