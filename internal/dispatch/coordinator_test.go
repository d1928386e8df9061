package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/routing"
	"github.com/example/tow-dispatch/internal/storage"
)

var origin = models.Coord{Lat: 4.6097, Lon: -74.0817}

const kmPerDegreeLat = 6371.0 * 3.141592653589793 / 180

func north(km float64) *models.Coord {
	return &models.Coord{Lat: origin.Lat + km/kmPerDegreeLat, Lon: origin.Lon}
}

type fixedRouter struct {
	r   routing.Route
	err error
}

func (f fixedRouter) Route(context.Context, models.Coord, models.Coord) (routing.Route, error) {
	return f.r, f.err
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

func (r *recorder) all() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...)
}

type fixture struct {
	c      *Coordinator
	store  *storage.MemoryStore
	offers *storage.MemoryOfferLog
	rec    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	offers := storage.NewMemoryOfferLog()
	rec := &recorder{}
	c, err := NewCoordinator(Options{
		Store:   store,
		Router:  fixedRouter{r: routing.Route{DistanceMeters: 10004, DurationSeconds: 1200, Geometry: "poly"}},
		Offers:  offers,
		Emitter: rec,
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return &fixture{c: c, store: store, offers: offers, rec: rec}
}

func (f *fixture) operator(t *testing.T, id string, loc *models.Coord, classes ...models.VehicleClass) {
	t.Helper()
	if len(classes) == 0 {
		classes = []models.VehicleClass{models.ClassAutomovil}
	}
	caps, err := models.NewCapabilitySet(classes...)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveOperator(context.Background(), &models.Operator{
		ID: id, Name: "Operator " + id, Phone: "300" + id, Plate: "PL-" + id,
		Location: loc, Availability: models.AvailabilityAvailable, Capabilities: caps, Verified: true,
	}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) submit(t *testing.T, requester string) *Submission {
	t.Helper()
	sub, err := f.c.RequestService(context.Background(), RequestInput{
		RequesterID:  requester,
		Origin:       origin,
		Destination:  models.Coord{Lat: 4.70, Lon: -74.05},
		VehicleClass: models.ClassAutomovil,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return sub
}

func (f *fixture) availability(t *testing.T, id string) models.Availability {
	t.Helper()
	op, err := f.store.GetOperator(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return op.Availability
}

func requester(id string) models.Caller { return models.Caller{ID: id, Role: models.RoleRequester} }
func operator(id string) models.Caller  { return models.Caller{ID: id, Role: models.RoleOperator} }

func TestRequestServicePricesAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "near", north(2))
	f.operator(t, "far", north(12))
	f.operator(t, "heavy-only", north(1), models.ClassPesado)

	sub := f.submit(t, "c1")
	r := sub.Request
	if r.State != models.StateRequested || r.OperatorID != "" || r.DistanceKm != 10 {
		t.Fatalf("unexpected request %+v", r)
	}
	// 10 km light tier: 25000 + 13500
	if r.Fare.PayerTotal != 38500 || r.Fare.ProcessorFee != 1344 || r.Fare.PlatformFee != 5775 || r.Fare.PayeeTotal != 31381 {
		t.Fatalf("unexpected fare %+v", r.Fare)
	}
	if len(sub.Candidates) != 1 || sub.Candidates[0].OperatorID != "near" {
		t.Fatalf("unexpected candidates %+v", sub.Candidates)
	}

	offered, _ := f.offers.Offered(context.Background(), r.ID)
	if len(offered) != 1 || offered[0] != "near" {
		t.Fatalf("unexpected offer log %v", offered)
	}
	events := f.rec.all()
	pub, ok := events[0].(models.RequestPublished)
	if len(events) != 1 || !ok || pub.Request.ID != r.ID || len(pub.Offers()) != 1 {
		t.Fatalf("unexpected events %+v", events)
	}
	stored, err := f.store.GetRequest(context.Background(), r.ID)
	if err != nil || stored.Fare != r.Fare {
		t.Fatalf("request not persisted: %v", err)
	}
}

func TestRequestServiceFallsBackWhenRouterFails(t *testing.T) {
	f := newFixture(t)
	f.c.router = fixedRouter{err: models.ErrDependencyUnavailable}
	sub := f.submit(t, "c1")
	if !sub.Request.RouteEstimated || sub.Request.DistanceKm <= 0 {
		t.Fatalf("expected estimated route, got %+v", sub.Request)
	}
}

func TestRequestServiceValidation(t *testing.T) {
	f := newFixture(t)
	cases := []RequestInput{
		{RequesterID: "", Origin: origin, Destination: origin, VehicleClass: models.ClassMoto},
		{RequesterID: "c1", Origin: models.Coord{Lat: 95}, Destination: origin, VehicleClass: models.ClassMoto},
		{RequesterID: "c1", Origin: origin, Destination: origin, VehicleClass: "TANK"},
	}
	for _, in := range cases {
		if _, err := f.c.RequestService(context.Background(), in); !errors.Is(err, models.ErrInvalidInput) {
			t.Errorf("%+v: expected ErrInvalidInput, got %v", in, err)
		}
	}
}

func TestRequestServiceOneActivePerRequester(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, "c1")
	_, err := f.c.RequestService(context.Background(), RequestInput{
		RequesterID: "c1", Origin: origin, Destination: origin, VehicleClass: models.ClassMoto,
	})
	if !errors.Is(err, models.ErrActiveRequest) {
		t.Fatalf("expected ErrActiveRequest, got %v", err)
	}
	if _, err := f.c.Cancel(context.Background(), first.Request.ID, requester("c1"), ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	f.submit(t, "c1")
}

func TestEligibleOperatorsRadius(t *testing.T) {
	f := newFixture(t)
	for _, km := range []float64{15, 10.1, 9.9, 5} {
		f.operator(t, fmt.Sprintf("op-%v", km), north(km))
	}
	matches, err := f.c.EligibleOperators(context.Background(), origin, models.ClassAutomovil, 10)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(matches) != 2 || matches[0].Operator.ID != "op-5" || matches[1].Operator.ID != "op-9.9" {
		t.Fatalf("expected [op-5 op-9.9], got %+v", matches)
	}

	all, _ := f.c.EligibleOperators(context.Background(), origin, models.ClassAutomovil, 0)
	if len(all) != 4 {
		t.Fatalf("default nearby radius should include all four, got %d", len(all))
	}
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	f := newFixture(t)
	const attempts = 10
	for i := 0; i < attempts; i++ {
		f.operator(t, fmt.Sprintf("o%d", i), north(1))
	}
	req := f.submit(t, "c1").Request

	var wg sync.WaitGroup
	type result struct {
		op  string
		r   *models.ServiceRequest
		err error
	}
	results := make(chan result, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(op string) {
			defer wg.Done()
			r, err := f.c.Claim(context.Background(), req.ID, op)
			results <- result{op, r, err}
		}(fmt.Sprintf("o%d", i))
	}
	wg.Wait()
	close(results)

	var winner string
	for res := range results {
		if res.err == nil {
			if winner != "" {
				t.Fatalf("two winners: %s and %s", winner, res.op)
			}
			winner = res.op
			if res.r.OperatorID != res.op {
				t.Fatalf("winner %s but request bound to %s", res.op, res.r.OperatorID)
			}
			continue
		}
		if !errors.Is(res.err, models.ErrConflict) {
			t.Fatalf("loser %s: expected ErrConflict, got %v", res.op, res.err)
		}
	}
	if winner == "" {
		t.Fatal("no winner")
	}
	for i := 0; i < attempts; i++ {
		id := fmt.Sprintf("o%d", i)
		want := models.AvailabilityAvailable
		if id == winner {
			want = models.AvailabilityBusy
		}
		if got := f.availability(t, id); got != want {
			t.Fatalf("%s: availability %s, want %s", id, got, want)
		}
	}
}

func TestClaimNotEligibleLeavesRequestUntouched(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "heavy", north(1), models.ClassPesado)
	f.operator(t, "suspended", north(1))
	req := f.submit(t, "c1").Request

	if _, err := f.c.Claim(context.Background(), req.ID, "heavy"); !errors.Is(err, models.ErrNotEligible) {
		t.Fatalf("wrong capability: expected ErrNotEligible, got %v", err)
	}

	ctx := context.Background()
	op, _ := f.store.GetOperator(ctx, "suspended")
	op.Suspended = true
	_ = f.store.SaveOperator(ctx, op)
	if _, err := f.c.Claim(ctx, req.ID, "suspended"); !errors.Is(err, models.ErrNotEligible) {
		t.Fatalf("suspended: expected ErrNotEligible, got %v", err)
	}

	stored, _ := f.store.GetRequest(ctx, req.ID)
	if stored.State != models.StateRequested || stored.OperatorID != "" || stored.Version != 0 {
		t.Fatalf("request must be untouched, got %+v", stored)
	}
	if _, err := f.c.Claim(ctx, "missing", "heavy"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// staleActiveCheck reports no active request, as a concurrent submission by
// the same requester would observe before either insert lands.
type staleActiveCheck struct{ *storage.MemoryStore }

func (staleActiveCheck) HasActiveRequest(context.Context, string) (bool, error) { return false, nil }

func TestFailedCreateForgetsOffers(t *testing.T) {
	f := newFixture(t)
	f.c.store = staleActiveCheck{f.store}
	n := 0
	f.c.newID = func() string { n++; return fmt.Sprintf("req-%d", n) }
	f.operator(t, "o1", north(1))

	first := f.submit(t, "c1").Request
	_, err := f.c.RequestService(context.Background(), RequestInput{
		RequesterID:  "c1",
		Origin:       origin,
		Destination:  models.Coord{Lat: 4.70, Lon: -74.05},
		VehicleClass: models.ClassAutomovil,
	})
	if !errors.Is(err, models.ErrActiveRequest) {
		t.Fatalf("expected ErrActiveRequest from the store, got %v", err)
	}

	ctx := context.Background()
	if ids, _ := f.offers.Offered(ctx, "req-2"); len(ids) != 0 {
		t.Fatalf("offers for an unsaved request must be dropped, got %v", ids)
	}
	if ids, _ := f.offers.Offered(ctx, first.ID); len(ids) != 1 || ids[0] != "o1" {
		t.Fatalf("offers for the saved request must remain, got %v", ids)
	}
}

func TestOperatorWithActiveJobCannotClaimAnother(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "o1", north(1))
	r1 := f.submit(t, "c1").Request
	r2 := f.submit(t, "c2").Request
	if _, err := f.c.Claim(context.Background(), r1.ID, "o1"); err != nil {
		t.Fatalf("claim r1: %v", err)
	}
	if _, err := f.c.Claim(context.Background(), r2.ID, "o1"); !errors.Is(err, models.ErrNotEligible) {
		t.Fatalf("busy operator: expected ErrNotEligible, got %v", err)
	}
}

func TestRequesterCannotSkipToEnRoute(t *testing.T) {
	f := newFixture(t)
	req := f.submit(t, "c1").Request
	_, err := f.c.Transition(context.Background(), req.ID, requester("c1"), models.StateEnRoute)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOnlyBoundOperatorAdvances(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "o1", north(1))
	f.operator(t, "o2", north(1))
	req := f.submit(t, "c1").Request
	if _, err := f.c.Claim(context.Background(), req.ID, "o1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, caller := range []models.Caller{operator("o2"), requester("c1"), requester("o1")} {
		if _, err := f.c.Transition(context.Background(), req.ID, caller, models.StateEnRoute); !errors.Is(err, models.ErrForbidden) {
			t.Fatalf("%+v: expected ErrForbidden, got %v", caller, err)
		}
	}
	if _, err := f.c.Transition(context.Background(), req.ID, operator("o1"), models.StateClaimed); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("re-claim via transition: expected ErrInvalidTransition, got %v", err)
	}
}

func driveTo(t *testing.T, f *fixture, reqID, op string, states ...models.State) {
	t.Helper()
	for _, s := range states {
		if _, err := f.c.Transition(context.Background(), reqID, operator(op), s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestCompleteReleasesOperatorAndRejectsCancel(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "o1", north(1))
	req := f.submit(t, "c1").Request
	if _, err := f.c.Claim(context.Background(), req.ID, "o1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	driveTo(t, f, req.ID, "o1", models.StateEnRoute, models.StateOnSite, models.StateCompleted)

	if got := f.availability(t, "o1"); got != models.AvailabilityAvailable {
		t.Fatalf("operator not released: %s", got)
	}
	for _, caller := range []models.Caller{requester("c1"), operator("o1")} {
		if _, err := f.c.Cancel(context.Background(), req.ID, caller, "late"); !errors.Is(err, models.ErrInvalidTransition) {
			t.Fatalf("%+v cancel completed: expected ErrInvalidTransition, got %v", caller, err)
		}
	}
	if _, err := f.c.Transition(context.Background(), req.ID, operator("o1"), models.StateOnSite); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("terminal: expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelOnSiteByEitherParty(t *testing.T) {
	for _, who := range []models.Caller{requester("c1"), operator("o1")} {
		t.Run(string(who.Role), func(t *testing.T) {
			f := newFixture(t)
			f.operator(t, "o1", north(1))
			req := f.submit(t, "c1").Request
			if _, err := f.c.Claim(context.Background(), req.ID, "o1"); err != nil {
				t.Fatalf("claim: %v", err)
			}
			driveTo(t, f, req.ID, "o1", models.StateEnRoute, models.StateOnSite)

			r, err := f.c.Cancel(context.Background(), req.ID, who, "vehicle started")
			if err != nil {
				t.Fatalf("cancel: %v", err)
			}
			if r.State != models.StateCancelled || r.CancelReason != "vehicle started" || r.OperatorID != "" {
				t.Fatalf("unexpected cancelled request %+v", r)
			}
			if got := f.availability(t, "o1"); got != models.AvailabilityAvailable {
				t.Fatalf("operator not released: %s", got)
			}
		})
	}
}

func TestCancelForbiddenForStrangers(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "o1", north(1))
	req := f.submit(t, "c1").Request
	for _, caller := range []models.Caller{requester("c2"), operator("o1")} {
		if _, err := f.c.Cancel(context.Background(), req.ID, caller, ""); !errors.Is(err, models.ErrForbidden) {
			t.Fatalf("%+v: expected ErrForbidden, got %v", caller, err)
		}
	}
	if _, err := f.c.Transition(context.Background(), req.ID, requester("c1"), models.StateCancelled); err != nil {
		t.Fatalf("requester cancel via transition: %v", err)
	}
}

func TestAvailabilityMatchesActiveAssignments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.operator(t, fmt.Sprintf("o%d", i), north(float64(i+1)))
	}
	var reqs []string
	for i := 0; i < 4; i++ {
		reqs = append(reqs, f.submit(t, fmt.Sprintf("c%d", i)).Request.ID)
	}
	var wg sync.WaitGroup
	for _, id := range reqs {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(reqID, op string) {
				defer wg.Done()
				_, _ = f.c.Claim(ctx, reqID, op)
			}(id, fmt.Sprintf("o%d", i))
		}
	}
	wg.Wait()

	// finish one and cancel one so both release paths are exercised
	r0, _ := f.store.GetRequest(ctx, reqs[0])
	if r0.OperatorID != "" {
		driveTo(t, f, reqs[0], r0.OperatorID, models.StateEnRoute, models.StateOnSite, models.StateCompleted)
	}
	if _, err := f.c.Cancel(ctx, reqs[1], requester("c1"), ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	bound := map[string]bool{}
	for _, id := range reqs {
		r, _ := f.store.GetRequest(ctx, id)
		if r.State.HasOperator() != (r.OperatorID != "") {
			t.Fatalf("request %s in %s with operator %q", id, r.State, r.OperatorID)
		}
		if r.OperatorID != "" && !r.State.Terminal() {
			if bound[r.OperatorID] {
				t.Fatalf("operator %s bound twice", r.OperatorID)
			}
			bound[r.OperatorID] = true
		}
	}
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("o%d", i)
		busy := f.availability(t, id) == models.AvailabilityBusy
		if busy != bound[id] {
			t.Fatalf("%s: busy=%v but bound=%v", id, busy, bound[id])
		}
	}
}

func TestGetRequestVisibility(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "o1", north(1))
	ctx := context.Background()
	req := f.submit(t, "c1").Request

	if _, err := f.c.GetRequest(ctx, req.ID, operator("o9")); err != nil {
		t.Fatalf("open request should be visible to operators: %v", err)
	}
	if _, err := f.c.GetRequest(ctx, req.ID, requester("c2")); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.c.Claim(ctx, req.ID, "o1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := f.c.GetRequest(ctx, req.ID, operator("o9")); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("claimed request must be hidden from other operators, got %v", err)
	}
	if _, err := f.c.GetRequest(ctx, req.ID, operator("o1")); err != nil {
		t.Fatalf("bound operator: %v", err)
	}
}

func TestQuoteServiceHeavyTier(t *testing.T) {
	f := newFixture(t)
	f.c.router = fixedRouter{r: routing.Route{DistanceMeters: 20000}}
	q, err := f.c.QuoteService(context.Background(), origin, models.Coord{Lat: 4.7, Lon: -74}, models.ClassPesado)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Fare.Subtotal != 97000 || q.Fare.PayerTotal != 97000 || !q.Fare.HeavyTier {
		t.Fatalf("unexpected heavy quote %+v", q.Fare)
	}
	if q.Fare.PayerTotal != q.Fare.ProcessorFee+q.Fare.PlatformFee+q.Fare.PayeeTotal {
		t.Fatalf("fare does not balance: %+v", q.Fare)
	}
}

func TestRoundKm(t *testing.T) {
	cases := map[float64]float64{10004: 10, 3374.9: 3.37, 3375: 3.38, 0: 0}
	for in, want := range cases {
		if got := roundKm(in); got != want {
			t.Errorf("roundKm(%v) = %v, want %v", in, got, want)
		}
	}
}
