package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

var allStates = []models.State{
	models.StateRequested, models.StateClaimed, models.StateEnRoute,
	models.StateOnSite, models.StateCompleted, models.StateCancelled,
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Emit(_ context.Context, e models.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) changes() []models.StateChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.StateChanged
	for _, e := range r.events {
		if sc, ok := e.(models.StateChanged); ok {
			out = append(out, sc)
		}
	}
	return out
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Machine, *storage.MemoryStore, *recorder, *models.Operator) {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	caps, _ := models.NewCapabilitySet(models.ClassAutomovil)
	op := &models.Operator{
		ID: "o1", Name: "Grúas Ruiz", Phone: "+57 300", Plate: "ABC123",
		Location:     &models.Coord{Lat: 4.6, Lon: -74.0},
		Availability: models.AvailabilityAvailable, Capabilities: caps, Verified: true,
	}
	if err := s.SaveOperator(ctx, op); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateRequest(ctx, &models.ServiceRequest{
		ID: "r1", RequesterID: "c1", VehicleClass: models.ClassAutomovil,
		State: models.StateRequested, RequestedAt: fixedNow,
	}); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	m := NewMachine(s, rec).WithClock(func() time.Time { return fixedNow })
	return m, s, rec, op
}

func TestTransitionTableClosure(t *testing.T) {
	allowed := map[[2]models.State]bool{
		{models.StateRequested, models.StateClaimed}:   true,
		{models.StateRequested, models.StateCancelled}: true,
		{models.StateClaimed, models.StateEnRoute}:     true,
		{models.StateClaimed, models.StateCancelled}:   true,
		{models.StateEnRoute, models.StateOnSite}:      true,
		{models.StateEnRoute, models.StateCancelled}:   true,
		{models.StateOnSite, models.StateCompleted}:    true,
		{models.StateOnSite, models.StateCancelled}:    true,
	}
	for _, from := range allStates {
		for _, to := range allStates {
			if got := CanTransition(from, to); got != allowed[[2]models.State{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
	for _, s := range []models.State{models.StateCompleted, models.StateCancelled} {
		if len(Next(s)) != 0 {
			t.Errorf("terminal state %s has successors", s)
		}
	}
}

func TestMachineRejectsEveryIllegalPair(t *testing.T) {
	ctx := context.Background()
	m := NewMachine(storage.NewMemoryStore(), nil)
	for _, from := range allStates {
		for _, to := range allStates {
			if CanTransition(from, to) && to != models.StateClaimed {
				continue
			}
			req := &models.ServiceRequest{ID: "x", State: from}
			if _, err := m.Transition(ctx, req, to, ""); !errors.Is(err, models.ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestFullLifecycleEmitsEvents(t *testing.T) {
	ctx := context.Background()
	m, s, rec, op := setup(t)

	r, err := m.Claim(ctx, "r1", op)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, to := range []models.State{models.StateEnRoute, models.StateOnSite, models.StateCompleted} {
		if r, err = m.Transition(ctx, r, to, ""); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if r.State != models.StateCompleted || r.CompletedAt == nil || !r.CompletedAt.Equal(fixedNow) {
		t.Fatalf("unexpected final request %+v", r)
	}

	got, _ := s.GetOperator(ctx, "o1")
	if got.Availability != models.AvailabilityAvailable || got.CompletedCount != 1 {
		t.Fatalf("operator not released: %+v", got)
	}

	events := rec.changes()
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	claimed := events[0]
	if claimed.To != models.StateClaimed || claimed.Operator == nil || claimed.Operator.Plate != "ABC123" {
		t.Fatalf("claim event must carry operator profile: %+v", claimed)
	}
	for i, e := range events[1:] {
		if e.From != events[i].To {
			t.Fatalf("events out of order: %+v", events)
		}
		if e.OperatorID != "o1" || e.RequesterID != "c1" {
			t.Fatalf("event missing parties: %+v", e)
		}
	}
}

func TestCancelAfterClaimReleasesOperator(t *testing.T) {
	ctx := context.Background()
	m, s, rec, op := setup(t)
	r, err := m.Claim(ctx, "r1", op)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	r, err = m.Transition(ctx, r, models.StateCancelled, "flat tyre fixed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.OperatorID != "" || r.CancelReason != "flat tyre fixed" || r.CancelledAt == nil {
		t.Fatalf("unexpected cancelled request %+v", r)
	}
	got, _ := s.GetOperator(ctx, "o1")
	if got.Availability != models.AvailabilityAvailable || got.CompletedCount != 0 {
		t.Fatalf("operator not released: %+v", got)
	}
	last := rec.changes()[1]
	if last.To != models.StateCancelled || last.OperatorID != "o1" || last.Reason != "flat tyre fixed" {
		t.Fatalf("cancel event must name the released operator: %+v", last)
	}
}

func TestStaleReadIsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	m, _, _, op := setup(t)
	r, err := m.Claim(ctx, "r1", op)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := m.Transition(ctx, r, models.StateEnRoute, ""); err != nil {
		t.Fatalf("en route: %v", err)
	}
	// r is now stale: still CLAIMED at the old version
	if _, err := m.Transition(ctx, r, models.StateCancelled, ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for stale read, got %v", err)
	}
}
