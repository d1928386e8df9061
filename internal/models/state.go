package models

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a ServiceRequest.
type State string

const (
	StateRequested State = "REQUESTED"
	StateClaimed   State = "CLAIMED"
	StateEnRoute   State = "EN_ROUTE"
	StateOnSite    State = "ON_SITE"
	StateCompleted State = "COMPLETED"
	StateCancelled State = "CANCELLED"
)

func (s State) Valid() bool {
	switch s {
	case StateRequested, StateClaimed, StateEnRoute, StateOnSite, StateCompleted, StateCancelled:
		return true
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// HasOperator reports whether a request in this state must have an assigned operator.
func (s State) HasOperator() bool {
	switch s {
	case StateClaimed, StateEnRoute, StateOnSite, StateCompleted:
		return true
	}
	return false
}

func ParseState(v string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidInput, v)
	}
	return s, nil
}

// Availability of an operator for new work.
type Availability string

const (
	AvailabilityAvailable Availability = "AVAILABLE"
	AvailabilityBusy      Availability = "BUSY"
	AvailabilityOffline   Availability = "OFFLINE"
)

func ParseAvailability(v string) (Availability, error) {
	a := Availability(strings.ToUpper(strings.TrimSpace(v)))
	switch a {
	case AvailabilityAvailable, AvailabilityBusy, AvailabilityOffline:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown availability %q", ErrInvalidInput, v)
}

type Role string

const (
	RoleRequester Role = "requester"
	RoleOperator  Role = "operator"
)

func ParseRole(v string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(v)))
	switch r {
	case RoleRequester, RoleOperator:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, v)
}

// Caller is the authenticated identity supplied by the session layer.
type Caller struct {
	ID   string
	Role Role
}
