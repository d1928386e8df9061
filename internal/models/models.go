package models

import (
	"fmt"
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate rejects coordinates outside the WGS84 range and non-finite values.
func (c Coord) Validate() error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: coordinate is not finite", ErrInvalidInput)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidInput, c.Lat)
	}
	if c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidInput, c.Lon)
	}
	return nil
}

// FareBreakdown is computed once when a request is created and never mutated.
// All amounts are integer currency units.
type FareBreakdown struct {
	Currency     string  `json:"currency"`
	DistanceKm   float64 `json:"distance_km"`
	HeavyTier    bool    `json:"heavy_tier"`
	PerKmRate    int64   `json:"per_km_rate"`
	BaseFare     int64   `json:"base_fare"`
	DistanceFare int64   `json:"distance_fare"`
	Subtotal     int64   `json:"subtotal"`
	PlatformFee  int64   `json:"platform_fee"`
	ProcessorFee int64   `json:"processor_fee"`
	PayerTotal   int64   `json:"payer_total"`
	PayeeTotal   int64   `json:"payee_total"`
}

type ServiceRequest struct {
	ID                 string        `json:"id"`
	RequesterID        string        `json:"requester_id"`
	OperatorID         string        `json:"operator_id,omitempty"`
	ReleasedOperatorID string        `json:"released_operator_id,omitempty"`
	Origin             Coord         `json:"origin"`
	OriginAddress      string        `json:"origin_address"`
	Destination        Coord         `json:"destination"`
	DestinationAddress string        `json:"destination_address"`
	VehicleClass       VehicleClass  `json:"vehicle_class"`
	Notes              string        `json:"notes,omitempty"`
	DistanceKm         float64       `json:"distance_km"`
	DurationSeconds    float64       `json:"duration_seconds"`
	RouteGeometry      string        `json:"route_geometry,omitempty"`
	RouteEstimated     bool          `json:"route_estimated"`
	Fare               FareBreakdown `json:"fare"`
	State              State         `json:"state"`
	Version            int           `json:"version"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
	RequestedAt        time.Time     `json:"requested_at"`
	ClaimedAt          *time.Time    `json:"claimed_at,omitempty"`
	EnRouteAt          *time.Time    `json:"en_route_at,omitempty"`
	OnSiteAt           *time.Time    `json:"on_site_at,omitempty"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
	CancelledAt        *time.Time    `json:"cancelled_at,omitempty"`
}

// Clone returns a deep copy so callers never share timestamp pointers with a store.
func (r *ServiceRequest) Clone() *ServiceRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ClaimedAt = cloneTime(r.ClaimedAt)
	cp.EnRouteAt = cloneTime(r.EnRouteAt)
	cp.OnSiteAt = cloneTime(r.OnSiteAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	return &cp
}

// IsBoundTo reports whether the caller is a party bound to the request.
func (r *ServiceRequest) IsBoundTo(c Caller) bool {
	switch c.Role {
	case RoleRequester:
		return c.ID != "" && c.ID == r.RequesterID
	case RoleOperator:
		return c.ID != "" && c.ID == r.OperatorID
	}
	return false
}

// Stamp records the transition time for the given state.
func (r *ServiceRequest) Stamp(s State, at time.Time) {
	t := at
	switch s {
	case StateRequested:
		r.RequestedAt = at
	case StateClaimed:
		r.ClaimedAt = &t
	case StateEnRoute:
		r.EnRouteAt = &t
	case StateOnSite:
		r.OnSiteAt = &t
	case StateCompleted:
		r.CompletedAt = &t
	case StateCancelled:
		r.CancelledAt = &t
	}
}

type OperatorProfile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Plate string `json:"plate"`
}

type Operator struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Phone          string        `json:"phone"`
	Plate          string        `json:"plate"`
	Location       *Coord        `json:"location,omitempty"`
	Availability   Availability  `json:"availability"`
	Capabilities   CapabilitySet `json:"capabilities"`
	Verified       bool          `json:"verified"`
	Suspended      bool          `json:"suspended"`
	CompletedCount int           `json:"completed_count"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (o *Operator) Profile() OperatorProfile {
	return OperatorProfile{ID: o.ID, Name: o.Name, Phone: o.Phone, Plate: o.Plate}
}

// CanService reports the static eligibility of an operator for a vehicle class:
// verified, not suspended and capable. Availability and position are checked separately.
func (o *Operator) CanService(class VehicleClass) bool {
	return o.Verified && !o.Suspended && o.Capabilities.Contains(class)
}

func (o *Operator) Clone() *Operator {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Location != nil {
		loc := *o.Location
		cp.Location = &loc
	}
	cp.Capabilities = o.Capabilities.Clone()
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
