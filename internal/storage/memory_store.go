package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

// MemoryStore keeps requests and operators in process. A single mutex makes every
// conditional write atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*models.ServiceRequest
	operators map[string]*models.Operator
	events    []models.StateChanged
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*models.ServiceRequest),
		operators: make(map[string]*models.Operator),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	for _, existing := range m.requests {
		if existing.RequesterID == r.RequesterID && !existing.State.Terminal() {
			return fmt.Errorf("requester %s: %w", r.RequesterID, models.ErrActiveRequest)
		}
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) HasActiveRequest(_ context.Context, requesterID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.RequesterID == requesterID && !r.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ClaimRequest(_ context.Context, requestID, operatorID string, at time.Time) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	op, ok := m.operators[operatorID]
	if !ok {
		return nil, fmt.Errorf("operator %s: %w", operatorID, models.ErrNotFound)
	}
	if op.Availability != models.AvailabilityAvailable {
		return nil, fmt.Errorf("operator %s is %s: %w", operatorID, op.Availability, models.ErrNotEligible)
	}
	if r.State != models.StateRequested || r.OperatorID != "" {
		return nil, fmt.Errorf("request %s: %w", requestID, models.ErrConflict)
	}
	op.Availability = models.AvailabilityBusy
	op.UpdatedAt = at
	r.OperatorID = operatorID
	r.State = models.StateClaimed
	r.Version++
	r.Stamp(models.StateClaimed, at)
	return r.Clone(), nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, t Transition) (*models.ServiceRequest, error) {
	if t.To == models.StateClaimed {
		return nil, fmt.Errorf("claims must go through ClaimRequest")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[t.RequestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", t.RequestID, models.ErrNotFound)
	}
	if r.State != t.From || r.Version != t.Version {
		return nil, ErrStale
	}
	r.State = t.To
	r.Version++
	r.Stamp(t.To, t.At)
	if t.To == models.StateCancelled {
		r.CancelReason = t.Reason
		r.ReleasedOperatorID = r.OperatorID
		r.OperatorID = ""
	}
	if op, ok := m.operators[t.ReleaseOperator]; ok {
		if op.Availability == models.AvailabilityBusy {
			op.Availability = models.AvailabilityAvailable
		}
		if t.CountCompletion {
			op.CompletedCount++
		}
		op.UpdatedAt = t.At
	}
	return r.Clone(), nil
}

// SaveOperator inserts op, or updates only the profile of an existing operator.
// Availability, location and completed count are owned by their own conditional writes.
func (m *MemoryStore) SaveOperator(_ context.Context, op *models.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.operators[op.ID]
	if !ok {
		m.operators[op.ID] = op.Clone()
		return nil
	}
	cur.Name = op.Name
	cur.Phone = op.Phone
	cur.Plate = op.Plate
	cur.Capabilities = op.Capabilities.Clone()
	cur.Verified = op.Verified
	cur.Suspended = op.Suspended
	cur.UpdatedAt = op.UpdatedAt
	return nil
}

func (m *MemoryStore) GetOperator(_ context.Context, id string) (*models.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operators[id]
	if !ok {
		return nil, fmt.Errorf("operator %s: %w", id, models.ErrNotFound)
	}
	return op.Clone(), nil
}

func (m *MemoryStore) GetOperators(_ context.Context, ids []string) ([]models.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Operator, 0, len(ids))
	for _, id := range ids {
		if op, ok := m.operators[id]; ok {
			out = append(out, *op.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) ListMatchable(_ context.Context) ([]models.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Operator, 0, len(m.operators))
	for _, op := range m.operators {
		if op.Availability == models.AvailabilityAvailable && op.Location != nil {
			out = append(out, *op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateOperatorLocation(_ context.Context, id string, c *models.Coord, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operators[id]
	if !ok {
		return fmt.Errorf("operator %s: %w", id, models.ErrNotFound)
	}
	if c == nil {
		op.Location = nil
	} else {
		loc := *c
		op.Location = &loc
	}
	op.UpdatedAt = at
	return nil
}

func (m *MemoryStore) SetOperatorAvailability(_ context.Context, id string, from []models.Availability, to models.Availability, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operators[id]
	if !ok {
		return false, fmt.Errorf("operator %s: %w", id, models.ErrNotFound)
	}
	for _, f := range from {
		if op.Availability == f {
			op.Availability = to
			op.UpdatedAt = at
			return true, nil
		}
	}
	return false, nil
}

// AppendEvent records each (request, state) pair once, so redelivered events are dropped.
func (m *MemoryStore) AppendEvent(_ context.Context, e models.StateChanged) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seen := range m.events {
		if seen.RequestID == e.RequestID && seen.To == e.To {
			return nil
		}
	}
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of the audit history.
func (m *MemoryStore) Events() []models.StateChanged {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.StateChanged, len(m.events))
	copy(out, m.events)
	return out
}
