// Package dispatch publishes new service requests to eligible operators and
// arbitrates claims and lifecycle transitions on them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/tow-dispatch/internal/geo"
	"github.com/example/tow-dispatch/internal/lifecycle"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
	"github.com/example/tow-dispatch/internal/pricing"
	"github.com/example/tow-dispatch/internal/routing"
	"github.com/example/tow-dispatch/internal/storage"
)

const (
	DefaultDispatchRadiusKm = 10.0
	DefaultNearbyRadiusKm   = 25.0
)

type Options struct {
	Store   storage.Store
	Pricing *pricing.Engine
	Router  routing.Provider
	Pool    PoolSource
	Offers  storage.OfferLog
	Emitter lifecycle.Emitter
	Log     *slog.Logger

	DispatchRadiusKm float64
	NearbyRadiusKm   float64
	FallbackSpeedMps float64
}

type Coordinator struct {
	store    storage.Store
	machine  *lifecycle.Machine
	pricing  *pricing.Engine
	router   routing.Provider
	pool     PoolSource
	offers   storage.OfferLog
	emitter  lifecycle.Emitter
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	dispatch float64
	nearby   float64
	speedMps float64
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if opts.Pricing == nil {
		engine, err := pricing.NewEngine(pricing.DefaultConfig())
		if err != nil {
			return nil, err
		}
		opts.Pricing = engine
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Router == nil {
		opts.Router = routing.NewFallback(opts.Log, opts.FallbackSpeedMps, observability.RoutingFallbacks.Inc)
	}
	if opts.Pool == nil {
		opts.Pool = StorePool{Store: opts.Store}
	}
	if opts.Offers == nil {
		opts.Offers = storage.NewMemoryOfferLog()
	}
	if opts.DispatchRadiusKm <= 0 {
		opts.DispatchRadiusKm = DefaultDispatchRadiusKm
	}
	if opts.NearbyRadiusKm <= 0 {
		opts.NearbyRadiusKm = DefaultNearbyRadiusKm
	}
	c := &Coordinator{
		store:    opts.Store,
		pricing:  opts.Pricing,
		router:   opts.Router,
		pool:     opts.Pool,
		offers:   opts.Offers,
		emitter:  opts.Emitter,
		log:      opts.Log,
		now:      time.Now,
		newID:    uuid.NewString,
		dispatch: opts.DispatchRadiusKm,
		nearby:   opts.NearbyRadiusKm,
		speedMps: opts.FallbackSpeedMps,
	}
	c.machine = lifecycle.NewMachine(opts.Store, opts.Emitter)
	return c, nil
}

type RequestInput struct {
	RequesterID        string              `json:"-"`
	Origin             models.Coord        `json:"origin"`
	OriginAddress      string              `json:"origin_address"`
	Destination        models.Coord        `json:"destination"`
	DestinationAddress string              `json:"destination_address"`
	VehicleClass       models.VehicleClass `json:"vehicle_class"`
	Notes              string              `json:"notes,omitempty"`
}

// Submission is a created request and the operators it was published to.
type Submission struct {
	Request    *models.ServiceRequest `json:"request"`
	Candidates []models.Candidate     `json:"candidates"`
}

// RequestService creates a REQUESTED service request, prices it once from the
// road distance and publishes it to every eligible operator within the
// dispatch radius. Publication is fire-and-forget.
func (c *Coordinator) RequestService(ctx context.Context, in RequestInput) (*Submission, error) {
	if strings.TrimSpace(in.RequesterID) == "" {
		return nil, fmt.Errorf("%w: requester id is required", models.ErrInvalidInput)
	}
	if err := validateTrip(in.Origin, in.Destination, in.VehicleClass); err != nil {
		return nil, err
	}
	active, err := c.store.HasActiveRequest(ctx, in.RequesterID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("requester %s: %w", in.RequesterID, models.ErrActiveRequest)
	}

	route := c.route(ctx, in.Origin, in.Destination)
	distanceKm := roundKm(route.DistanceMeters)
	fare, err := c.pricing.Quote(distanceKm, in.VehicleClass)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	req := &models.ServiceRequest{
		ID:                 c.newID(),
		RequesterID:        in.RequesterID,
		Origin:             in.Origin,
		OriginAddress:      in.OriginAddress,
		Destination:        in.Destination,
		DestinationAddress: in.DestinationAddress,
		VehicleClass:       in.VehicleClass,
		Notes:              in.Notes,
		DistanceKm:         distanceKm,
		DurationSeconds:    route.DurationSeconds,
		RouteGeometry:      route.Geometry,
		RouteEstimated:     route.Estimated,
		Fare:               fare,
		State:              models.StateRequested,
		RequestedAt:        now,
	}

	matches := c.match(ctx, in.Origin, in.VehicleClass, c.dispatch)
	candidates := geo.Candidates(matches)
	ids := make([]string, len(candidates))
	for i, cand := range candidates {
		ids[i] = cand.OperatorID
	}
	// recorded before the request exists so a claim can always withdraw the others
	if err := c.offers.Record(ctx, req.ID, ids); err != nil {
		c.log.Warn("offer log write failed", "request_id", req.ID, "error", err)
	}

	if err := c.store.CreateRequest(ctx, req); err != nil {
		if ferr := c.offers.Forget(ctx, req.ID); ferr != nil {
			c.log.Warn("offer log cleanup failed", "request_id", req.ID, "error", ferr)
		}
		return nil, err
	}

	observability.RequestsSubmitted.WithLabelValues(string(in.VehicleClass)).Inc()
	observability.EligibleCandidates.Observe(float64(len(candidates)))
	c.log.Info("request submitted",
		"request_id", req.ID,
		"requester_id", req.RequesterID,
		"vehicle_class", req.VehicleClass,
		"distance_km", req.DistanceKm,
		"payer_total", fare.PayerTotal,
		"candidates", len(candidates),
		"route_estimated", route.Estimated,
	)
	if c.emitter != nil {
		c.emitter.Emit(ctx, models.RequestPublished{Request: *req.Clone(), Candidates: candidates, At: now})
	}
	return &Submission{Request: req, Candidates: candidates}, nil
}

// EligibleOperators lists operators that could take a request for class at
// origin, nearest first. radiusKm <= 0 uses the nearby radius.
func (c *Coordinator) EligibleOperators(ctx context.Context, origin models.Coord, class models.VehicleClass, radiusKm float64) ([]geo.Match, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if !class.Valid() {
		return nil, fmt.Errorf("%w: unknown vehicle class %q", models.ErrInvalidInput, class)
	}
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) {
		return nil, fmt.Errorf("%w: radius must be finite", models.ErrInvalidInput)
	}
	if radiusKm <= 0 {
		radiusKm = c.nearby
	}
	pool, err := c.pool.Pool(ctx, origin, radiusKm)
	if err != nil {
		return nil, err
	}
	return geo.FindEligible(origin, class, radiusKm, pool), nil
}

// Claim binds operatorID to the request. Exactly one of any number of
// concurrent claims on the same request succeeds; the rest get ErrConflict.
// Conflicts must not be retried.
func (c *Coordinator) Claim(ctx context.Context, requestID, operatorID string) (*models.ServiceRequest, error) {
	r, err := c.claim(ctx, requestID, operatorID)
	outcome := "claimed"
	switch {
	case err == nil:
	case errors.Is(err, models.ErrConflict):
		outcome = "conflict"
	case errors.Is(err, models.ErrNotEligible):
		outcome = "not_eligible"
	case errors.Is(err, models.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	observability.ClaimsTotal.WithLabelValues(outcome).Inc()
	if err != nil {
		c.log.Info("claim rejected", "request_id", requestID, "operator_id", operatorID, "outcome", outcome, "error", err)
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StateRequested), string(models.StateClaimed)).Inc()
	c.log.Info("request claimed", "request_id", requestID, "operator_id", operatorID)
	return r, nil
}

func (c *Coordinator) claim(ctx context.Context, requestID, operatorID string) (*models.ServiceRequest, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	op, err := c.store.GetOperator(ctx, operatorID)
	if err != nil {
		return nil, err
	}
	if !op.CanService(req.VehicleClass) {
		return nil, fmt.Errorf("operator %s cannot service %s: %w", operatorID, req.VehicleClass, models.ErrNotEligible)
	}
	return c.machine.Claim(ctx, requestID, op)
}

// Transition moves a request forward on behalf of its bound operator.
// Cancellation is delegated to Cancel and may come from either party.
func (c *Coordinator) Transition(ctx context.Context, requestID string, caller models.Caller, target models.State) (*models.ServiceRequest, error) {
	if target == models.StateCancelled {
		return c.Cancel(ctx, requestID, caller, "")
	}
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if target == models.StateClaimed || !lifecycle.CanTransition(req.State, target) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, req.State, target)
	}
	if caller.Role != models.RoleOperator || !req.IsBoundTo(caller) {
		return nil, fmt.Errorf("%s %s on request %s: %w", caller.Role, caller.ID, requestID, models.ErrForbidden)
	}
	return c.apply(ctx, req, target, "")
}

// Cancel cancels a non-terminal request. The requester may always cancel; an
// operator only once bound to it. A bound operator is released to AVAILABLE.
func (c *Coordinator) Cancel(ctx context.Context, requestID string, caller models.Caller, reason string) (*models.ServiceRequest, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !lifecycle.CanTransition(req.State, models.StateCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, req.State, models.StateCancelled)
	}
	if !req.IsBoundTo(caller) {
		return nil, fmt.Errorf("%s %s on request %s: %w", caller.Role, caller.ID, requestID, models.ErrForbidden)
	}
	return c.apply(ctx, req, models.StateCancelled, strings.TrimSpace(reason))
}

func (c *Coordinator) apply(ctx context.Context, req *models.ServiceRequest, target models.State, reason string) (*models.ServiceRequest, error) {
	updated, err := c.machine.Transition(ctx, req, target, reason)
	if err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(req.State), string(target)).Inc()
	c.log.Info("request transitioned", "request_id", req.ID, "from", req.State, "to", target)
	return updated, nil
}

// GetRequest returns the request to one of its parties. While a request is
// still open any operator may read it, so offers can be inspected before claiming.
func (c *Coordinator) GetRequest(ctx context.Context, requestID string, caller models.Caller) (*models.ServiceRequest, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.IsBoundTo(caller) {
		return req, nil
	}
	if caller.Role == models.RoleOperator && caller.ID != "" && req.State == models.StateRequested {
		return req, nil
	}
	return nil, fmt.Errorf("%s %s on request %s: %w", caller.Role, caller.ID, requestID, models.ErrForbidden)
}

type Quote struct {
	DistanceKm      float64              `json:"distance_km"`
	DurationSeconds float64              `json:"duration_seconds"`
	RouteEstimated  bool                 `json:"route_estimated"`
	Fare            models.FareBreakdown `json:"fare"`
}

// QuoteService prices a trip without creating a request.
func (c *Coordinator) QuoteService(ctx context.Context, origin, destination models.Coord, class models.VehicleClass) (*Quote, error) {
	if err := validateTrip(origin, destination, class); err != nil {
		return nil, err
	}
	route := c.route(ctx, origin, destination)
	distanceKm := roundKm(route.DistanceMeters)
	fare, err := c.pricing.Quote(distanceKm, class)
	if err != nil {
		return nil, err
	}
	return &Quote{
		DistanceKm:      distanceKm,
		DurationSeconds: route.DurationSeconds,
		RouteEstimated:  route.Estimated,
		Fare:            fare,
	}, nil
}

func (c *Coordinator) route(ctx context.Context, from, to models.Coord) routing.Route {
	r, err := c.router.Route(ctx, from, to)
	if err != nil {
		c.log.Warn("routing failed, using great-circle estimate", "error", err)
		observability.RoutingFallbacks.Inc()
		return routing.Estimate(from, to, c.speedMps)
	}
	return r
}

// match never fails: a pool error is logged and yields no candidates, leaving
// the request open for operators who look it up later.
func (c *Coordinator) match(ctx context.Context, origin models.Coord, class models.VehicleClass, radiusKm float64) []geo.Match {
	pool, err := c.pool.Pool(ctx, origin, radiusKm)
	if err != nil {
		c.log.Warn("matching pool unavailable", "error", err)
		return nil
	}
	observability.OperatorsAvailable.Set(float64(len(pool)))
	return geo.FindEligible(origin, class, radiusKm, pool)
}

func validateTrip(origin, destination models.Coord, class models.VehicleClass) error {
	if err := origin.Validate(); err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	if err := destination.Validate(); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if !class.Valid() {
		return fmt.Errorf("%w: unknown vehicle class %q", models.ErrInvalidInput, class)
	}
	return nil
}

// roundKm converts meters to kilometres rounded to two decimals.
func roundKm(meters float64) float64 {
	return math.Round(meters/10) / 100
}
