// Package lifecycle encodes the legal states of a service request and applies
// transitions through the store as single conditional writes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

var transitions = map[models.State][]models.State{
	models.StateRequested: {models.StateClaimed, models.StateCancelled},
	models.StateClaimed:   {models.StateEnRoute, models.StateCancelled},
	models.StateEnRoute:   {models.StateOnSite, models.StateCancelled},
	models.StateOnSite:    {models.StateCompleted, models.StateCancelled},
	models.StateCompleted: nil,
	models.StateCancelled: nil,
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to models.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next returns the states reachable from s.
func Next(s models.State) []models.State {
	out := make([]models.State, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// Emitter receives the domain events produced by transitions.
type Emitter interface {
	Emit(ctx context.Context, e models.Event)
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, models.Event) {}

// Machine drives requests through their lifecycle. It owns the side effects
// bound to each transition: binding and releasing operators, stamps and events.
type Machine struct {
	store   storage.Store
	emitter Emitter
	now     func() time.Time
}

func NewMachine(store storage.Store, emitter Emitter) *Machine {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Machine{store: store, emitter: emitter, now: time.Now}
}

// WithClock overrides the time source; used by tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Claim performs REQUESTED -> CLAIMED for op. The store binds the operator and
// marks it BUSY in one atomic write.
func (m *Machine) Claim(ctx context.Context, requestID string, op *models.Operator) (*models.ServiceRequest, error) {
	at := m.now().UTC()
	r, err := m.store.ClaimRequest(ctx, requestID, op.ID, at)
	if err != nil {
		return nil, err
	}
	profile := op.Profile()
	m.emitter.Emit(ctx, models.StateChanged{
		RequestID:   r.ID,
		From:        models.StateRequested,
		To:          models.StateClaimed,
		At:          at,
		RequesterID: r.RequesterID,
		OperatorID:  op.ID,
		Operator:    &profile,
		Fare:        r.Fare,
	})
	return r, nil
}

// Transition moves req to the target state. req must be the latest read of the
// request; if it changed in between, ErrInvalidTransition is returned and the
// caller should re-read. Claims must go through Claim.
func (m *Machine) Transition(ctx context.Context, req *models.ServiceRequest, to models.State, reason string) (*models.ServiceRequest, error) {
	if to == models.StateClaimed || !CanTransition(req.State, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, req.State, to)
	}
	at := m.now().UTC()
	t := storage.Transition{
		RequestID: req.ID,
		From:      req.State,
		To:        to,
		Version:   req.Version,
		At:        at,
	}
	switch to {
	case models.StateCompleted:
		t.ReleaseOperator = req.OperatorID
		t.CountCompletion = true
	case models.StateCancelled:
		t.Reason = reason
		t.ReleaseOperator = req.OperatorID
	}

	updated, err := m.store.ApplyTransition(ctx, t)
	if errors.Is(err, storage.ErrStale) {
		return nil, fmt.Errorf("%w: request %s changed concurrently", models.ErrInvalidTransition, req.ID)
	}
	if err != nil {
		return nil, err
	}

	operatorID := updated.OperatorID
	if to == models.StateCancelled {
		operatorID = updated.ReleasedOperatorID
	}
	m.emitter.Emit(ctx, models.StateChanged{
		RequestID:   updated.ID,
		From:        req.State,
		To:          to,
		At:          at,
		RequesterID: updated.RequesterID,
		OperatorID:  operatorID,
		Fare:        updated.Fare,
		Reason:      t.Reason,
	})
	return updated, nil
}
