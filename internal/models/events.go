package models

import "time"

// Event is a domain event produced by the dispatch core. Key groups events that
// must be delivered in emission order.
type Event interface {
	Key() string
}

// StateChanged is emitted for every lifecycle transition of a request.
type StateChanged struct {
	RequestID   string           `json:"request_id"`
	From        State            `json:"from_state"`
	To          State            `json:"to_state"`
	At          time.Time        `json:"timestamp"`
	RequesterID string           `json:"requester_id"`
	OperatorID  string           `json:"operator_id,omitempty"`
	Operator    *OperatorProfile `json:"operator,omitempty"`
	Fare        FareBreakdown    `json:"fare"`
	Reason      string           `json:"reason,omitempty"`
}

func (e StateChanged) Key() string { return e.RequestID }

// Candidate is an eligible operator with its great-circle distance to the origin.
type Candidate struct {
	OperatorID string  `json:"operator_id"`
	DistanceKm float64 `json:"distance_km"`
}

// RequestPublished is emitted once a new request has been matched against the pool.
type RequestPublished struct {
	Request    ServiceRequest `json:"request"`
	Candidates []Candidate    `json:"candidates"`
	At         time.Time      `json:"timestamp"`
}

func (e RequestPublished) Key() string { return e.Request.ID }

// Offer is the per-operator record for external subscribers.
type Offer struct {
	OperatorID           string    `json:"operator_id"`
	NewEligibleRequestID string    `json:"new_eligible_request_id"`
	DistanceKm           float64   `json:"distance_km"`
	At                   time.Time `json:"timestamp"`
}

// Offers expands the event into one record per candidate.
func (e RequestPublished) Offers() []Offer {
	out := make([]Offer, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		out = append(out, Offer{
			OperatorID:           c.OperatorID,
			NewEligibleRequestID: e.Request.ID,
			DistanceKm:           c.DistanceKm,
			At:                   e.At,
		})
	}
	return out
}

// LocationUpdate is published to the location stream on every accepted position.
type LocationUpdate struct {
	OperatorID   string       `json:"operator_id"`
	Location     Coord        `json:"location"`
	Availability Availability `json:"availability"`
	At           time.Time    `json:"timestamp"`
}
