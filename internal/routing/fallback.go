package routing

import (
	"context"
	"log/slog"

	"github.com/example/tow-dispatch/internal/geo"
	"github.com/example/tow-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 28.8 km/h, an urban average.
const DefaultSpeedMps = 8.0

// Fallback tries each provider in order and, if all fail, returns a
// great-circle estimate. Route never returns an error.
type Fallback struct {
	providers []Provider
	speedMps  float64
	log       *slog.Logger
	onMiss    func()
}

// NewFallback builds a Fallback. onMiss, if set, is called every time the
// estimate is used.
func NewFallback(log *slog.Logger, speedMps float64, onMiss func(), providers ...Provider) *Fallback {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fallback{providers: providers, speedMps: speedMps, log: log, onMiss: onMiss}
}

func (f *Fallback) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	for _, p := range f.providers {
		r, err := p.Route(ctx, from, to)
		if err == nil {
			return r, nil
		}
		f.log.Warn("routing provider failed", "error", err)
	}
	if f.onMiss != nil {
		f.onMiss()
	}
	return Estimate(from, to, f.speedMps), nil
}

// Estimate derives a route from the haversine distance and an average speed.
func Estimate(from, to models.Coord, speedMps float64) Route {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: d / speedMps, Estimated: true}
}
