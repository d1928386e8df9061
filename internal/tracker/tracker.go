// Package tracker owns operator position and availability. It never triggers
// matching; the pool is read at submit time.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

// SpatialIndex mirrors positions for fast radius lookups.
type SpatialIndex interface {
	Upsert(ctx context.Context, operatorID string, c models.Coord) error
	Remove(ctx context.Context, operatorID string) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

type Tracker struct {
	store     storage.OperatorStore
	index     SpatialIndex
	publisher LocationPublisher
	log       *slog.Logger
	now       func() time.Time
}

// New builds a Tracker. index and publisher are optional.
func New(store storage.OperatorStore, index SpatialIndex, publisher LocationPublisher, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, index: index, publisher: publisher, log: log, now: time.Now}
}

type Registration struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Phone        string   `json:"phone"`
	Plate        string   `json:"plate"`
	Capabilities []string `json:"capabilities"`
	Verified     bool     `json:"verified"`
	Suspended    bool     `json:"suspended"`
}

// Register creates or updates an operator profile. New operators start OFFLINE
// with no position; existing ones keep their availability and position.
func (t *Tracker) Register(ctx context.Context, reg Registration) (*models.Operator, error) {
	reg.ID = strings.TrimSpace(reg.ID)
	if reg.ID == "" {
		return nil, fmt.Errorf("%w: operator id is required", models.ErrInvalidInput)
	}
	caps, err := models.ParseCapabilities(reg.Capabilities)
	if err != nil {
		return nil, err
	}

	op, err := t.store.GetOperator(ctx, reg.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		op = &models.Operator{ID: reg.ID, Availability: models.AvailabilityOffline}
	case err != nil:
		return nil, err
	}
	op.Name = reg.Name
	op.Phone = reg.Phone
	op.Plate = reg.Plate
	op.Capabilities = caps
	op.Verified = reg.Verified
	op.Suspended = reg.Suspended
	op.UpdatedAt = t.now().UTC()

	if err := t.store.SaveOperator(ctx, op); err != nil {
		return nil, err
	}
	// re-read: availability may have changed since op was loaded
	if op, err = t.store.GetOperator(ctx, reg.ID); err != nil {
		return nil, err
	}
	t.log.Info("operator registered", "operator_id", op.ID, "capabilities", caps.Strings(), "verified", op.Verified)
	return op, nil
}

// UpdateLocation stores the operator's position and mirrors it to the index
// and location stream. Mirror failures are logged, not returned.
func (t *Tracker) UpdateLocation(ctx context.Context, operatorID string, c models.Coord) error {
	if err := c.Validate(); err != nil {
		return err
	}
	at := t.now().UTC()
	if err := t.store.UpdateOperatorLocation(ctx, operatorID, &c, at); err != nil {
		return err
	}
	if t.index != nil {
		if err := t.index.Upsert(ctx, operatorID, c); err != nil {
			t.log.Warn("spatial index update failed", "operator_id", operatorID, "error", err)
		}
	}
	if t.publisher != nil {
		op, err := t.store.GetOperator(ctx, operatorID)
		if err != nil {
			return nil
		}
		u := models.LocationUpdate{OperatorID: operatorID, Location: c, Availability: op.Availability, At: at}
		if err := t.publisher.PublishLocation(ctx, u); err != nil {
			t.log.Warn("location publish failed", "operator_id", operatorID, "error", err)
		}
	}
	return nil
}

// StopBroadcasting clears the operator's position.
func (t *Tracker) StopBroadcasting(ctx context.Context, operatorID string) error {
	if err := t.store.UpdateOperatorLocation(ctx, operatorID, nil, t.now().UTC()); err != nil {
		return err
	}
	t.unindex(ctx, operatorID)
	return nil
}

// SetAvailability toggles between AVAILABLE and OFFLINE. BUSY can only be set
// by a claim and cleared by completion or cancellation, so a BUSY operator is
// rejected with ErrOperatorBusy.
func (t *Tracker) SetAvailability(ctx context.Context, operatorID string, a models.Availability) error {
	switch a {
	case models.AvailabilityAvailable, models.AvailabilityOffline:
	case models.AvailabilityBusy:
		return fmt.Errorf("%w: BUSY is set by claims only", models.ErrInvalidInput)
	default:
		return fmt.Errorf("%w: unknown availability %q", models.ErrInvalidInput, a)
	}

	from := []models.Availability{models.AvailabilityAvailable, models.AvailabilityOffline}
	ok, err := t.store.SetOperatorAvailability(ctx, operatorID, from, a, t.now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("operator %s: %w", operatorID, models.ErrOperatorBusy)
	}

	if a == models.AvailabilityOffline {
		t.unindex(ctx, operatorID)
		return nil
	}
	if t.index != nil {
		op, err := t.store.GetOperator(ctx, operatorID)
		if err == nil && op.Location != nil {
			if err := t.index.Upsert(ctx, operatorID, *op.Location); err != nil {
				t.log.Warn("spatial index update failed", "operator_id", operatorID, "error", err)
			}
		}
	}
	return nil
}

func (t *Tracker) unindex(ctx context.Context, operatorID string) {
	if t.index == nil {
		return
	}
	if err := t.index.Remove(ctx, operatorID); err != nil {
		t.log.Warn("spatial index remove failed", "operator_id", operatorID, "error", err)
	}
}
