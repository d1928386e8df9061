package dispatch

import (
	"context"
	"log/slog"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

// PoolSource yields the candidate operators for a match. The result is always
// re-filtered by geo.FindEligible, so a source may over-return.
type PoolSource interface {
	Pool(ctx context.Context, origin models.Coord, radiusKm float64) ([]models.Operator, error)
}

// StorePool scans every matchable operator in the store.
type StorePool struct {
	Store storage.OperatorStore
}

func (p StorePool) Pool(ctx context.Context, _ models.Coord, _ float64) ([]models.Operator, error) {
	return p.Store.ListMatchable(ctx)
}

type NearbyIndex interface {
	Nearby(ctx context.Context, origin models.Coord, radiusKm float64) ([]string, error)
}

// IndexedPool asks a spatial index for nearby ids and re-reads those operators
// from the store, which stays authoritative for availability and position. If
// the index fails the whole store is scanned instead.
type IndexedPool struct {
	Index NearbyIndex
	Store storage.OperatorStore
	Log   *slog.Logger
}

func (p IndexedPool) Pool(ctx context.Context, origin models.Coord, radiusKm float64) ([]models.Operator, error) {
	ids, err := p.Index.Nearby(ctx, origin, radiusKm)
	if err != nil {
		if p.Log != nil {
			p.Log.Warn("spatial index unavailable, scanning store", "error", err)
		}
		return p.Store.ListMatchable(ctx)
	}
	return p.Store.GetOperators(ctx, ids)
}
