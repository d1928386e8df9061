package payments

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/example/tow-dispatch/internal/models"
)

type HoldRequest struct {
	RequestID   string
	RequesterID string
	OperatorID  string
	Amount      int64
	Currency    string
}

type Gateway interface {
	Hold(ctx context.Context, h HoldRequest) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Settlement follows the lifecycle: funds are held for the payer total when a
// request is claimed, captured on completion and released on cancellation.
// Failures are logged only; the dispatch core never waits on payment.
type Settlement struct {
	gateway    Gateway
	minorUnits int64
	log        *slog.Logger

	mu    sync.Mutex
	holds map[string]string
}

// NewSettlement builds the handler. minorUnits converts whole currency units
// to the gateway's smallest unit (100 for two-decimal currencies).
func NewSettlement(gateway Gateway, minorUnits int64, log *slog.Logger) *Settlement {
	if minorUnits <= 0 {
		minorUnits = 100
	}
	if log == nil {
		log = slog.Default()
	}
	return &Settlement{gateway: gateway, minorUnits: minorUnits, log: log, holds: make(map[string]string)}
}

func (s *Settlement) OnRequestPublished(context.Context, models.RequestPublished) {}

func (s *Settlement) OnStateChanged(ctx context.Context, e models.StateChanged) {
	switch e.To {
	case models.StateClaimed:
		id, err := s.gateway.Hold(ctx, HoldRequest{
			RequestID:   e.RequestID,
			RequesterID: e.RequesterID,
			OperatorID:  e.OperatorID,
			Amount:      e.Fare.PayerTotal * s.minorUnits,
			Currency:    strings.ToLower(e.Fare.Currency),
		})
		if err != nil {
			s.log.Error("payment hold failed", "request_id", e.RequestID, "error", err)
			return
		}
		s.mu.Lock()
		s.holds[e.RequestID] = id
		s.mu.Unlock()
		s.log.Info("payment held", "request_id", e.RequestID, "payment_intent", id)
	case models.StateCompleted:
		if id, ok := s.take(e.RequestID); ok {
			if err := s.gateway.Capture(ctx, id); err != nil {
				s.log.Error("payment capture failed", "request_id", e.RequestID, "payment_intent", id, "error", err)
			}
		}
	case models.StateCancelled:
		if id, ok := s.take(e.RequestID); ok {
			if err := s.gateway.Cancel(ctx, id); err != nil {
				s.log.Error("payment release failed", "request_id", e.RequestID, "payment_intent", id, "error", err)
			}
		}
	}
}

func (s *Settlement) take(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.holds[requestID]
	delete(s.holds, requestID)
	return id, ok
}
