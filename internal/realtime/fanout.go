package realtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

const (
	TypeOffered      = "request.offered"
	TypeSearching    = "request.searching"
	TypeClaimed      = "request.claimed"
	TypeStateChanged = "request.state_changed"
	TypeWithdrawn    = "request.withdrawn"
)

type OfferPayload struct {
	RequestID          string               `json:"request_id"`
	VehicleClass       models.VehicleClass  `json:"vehicle_class"`
	Origin             models.Coord         `json:"origin"`
	OriginAddress      string               `json:"origin_address"`
	Destination        models.Coord         `json:"destination"`
	DestinationAddress string               `json:"destination_address"`
	Notes              string               `json:"notes,omitempty"`
	RouteKm            float64              `json:"route_km"`
	PickupKm           float64              `json:"pickup_km"`
	Fare               models.FareBreakdown `json:"fare"`
}

type SearchingPayload struct {
	RequestID  string `json:"request_id"`
	Candidates int    `json:"candidates"`
}

type ClaimedPayload struct {
	RequestID string                 `json:"request_id"`
	Operator  models.OperatorProfile `json:"operator"`
	At        time.Time              `json:"timestamp"`
}

type WithdrawnPayload struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// Fanout turns domain events into client messages for the parties of each request.
type Fanout struct {
	bus    *Bus
	offers storage.OfferLog
	log    *slog.Logger
}

func NewFanout(bus *Bus, offers storage.OfferLog, log *slog.Logger) *Fanout {
	if offers == nil {
		offers = storage.NewMemoryOfferLog()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{bus: bus, offers: offers, log: log}
}

func (f *Fanout) OnRequestPublished(_ context.Context, e models.RequestPublished) {
	r := e.Request
	for _, c := range e.Candidates {
		f.bus.Notify(Operator(c.OperatorID), Message{Type: TypeOffered, Data: OfferPayload{
			RequestID:          r.ID,
			VehicleClass:       r.VehicleClass,
			Origin:             r.Origin,
			OriginAddress:      r.OriginAddress,
			Destination:        r.Destination,
			DestinationAddress: r.DestinationAddress,
			Notes:              r.Notes,
			RouteKm:            r.DistanceKm,
			PickupKm:           c.DistanceKm,
			Fare:               r.Fare,
		}})
	}
	f.bus.Notify(Requester(r.RequesterID), Message{Type: TypeSearching, Data: SearchingPayload{
		RequestID:  r.ID,
		Candidates: len(e.Candidates),
	}})
}

func (f *Fanout) OnStateChanged(ctx context.Context, e models.StateChanged) {
	f.bus.Notify(Requester(e.RequesterID), Message{Type: TypeStateChanged, Data: e})
	if e.OperatorID != "" {
		f.bus.Notify(Operator(e.OperatorID), Message{Type: TypeStateChanged, Data: e})
	}

	switch {
	case e.To == models.StateClaimed:
		if e.Operator != nil {
			f.bus.Notify(Requester(e.RequesterID), Message{Type: TypeClaimed, Data: ClaimedPayload{
				RequestID: e.RequestID,
				Operator:  *e.Operator,
				At:        e.At,
			}})
		}
		f.withdraw(ctx, e.RequestID, e.OperatorID, "claimed")
	case e.To == models.StateCancelled && e.From == models.StateRequested:
		f.withdraw(ctx, e.RequestID, "", "cancelled")
	}
}

// withdraw tells every offered operator except keep that the request is gone.
func (f *Fanout) withdraw(ctx context.Context, requestID, keep, reason string) {
	offered, err := f.offers.Offered(ctx, requestID)
	if err != nil {
		f.log.Warn("offer lookup failed", "request_id", requestID, "error", err)
		return
	}
	losers := make([]string, 0, len(offered))
	for _, id := range offered {
		if id != keep {
			losers = append(losers, id)
		}
	}
	if len(losers) > 0 {
		f.bus.BroadcastEligible(losers, Message{Type: TypeWithdrawn, Data: WithdrawnPayload{RequestID: requestID, Reason: reason}})
	}
	if err := f.offers.Forget(ctx, requestID); err != nil {
		f.log.Warn("offer cleanup failed", "request_id", requestID, "error", err)
	}
}
