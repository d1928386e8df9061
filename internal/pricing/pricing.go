// Package pricing computes the fare for a tow from road distance and vehicle class.
package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/tow-dispatch/internal/models"
)

// Tariff is the base fare and per-km rate of one tier, in integer currency units.
type Tariff struct {
	BaseFare int64
	PerKm    int64
}

type Config struct {
	Currency      string
	Light         Tariff
	Heavy         Tariff
	HeavyClasses  []models.VehicleClass
	PlatformRate  float64
	ProcessorRate float64
}

func DefaultConfig() Config {
	return Config{
		Currency:      "COP",
		Light:         Tariff{BaseFare: 25000, PerKm: 1350},
		Heavy:         Tariff{BaseFare: 60000, PerKm: 1850},
		HeavyClasses:  models.DefaultHeavyClasses,
		PlatformRate:  0.15,
		ProcessorRate: 0.0349,
	}
}

// Engine is immutable once built and safe for concurrent use.
type Engine struct {
	currency      string
	light         Tariff
	heavy         Tariff
	heavyClasses  map[models.VehicleClass]bool
	platformRate  float64
	processorRate float64
}

func NewEngine(cfg Config) (*Engine, error) {
	var errs []error
	if cfg.Light.BaseFare < 0 || cfg.Light.PerKm < 0 || cfg.Heavy.BaseFare < 0 || cfg.Heavy.PerKm < 0 {
		errs = append(errs, fmt.Errorf("tariffs must not be negative"))
	}
	if cfg.PlatformRate < 0 || cfg.ProcessorRate < 0 || cfg.PlatformRate+cfg.ProcessorRate >= 1 {
		errs = append(errs, fmt.Errorf("commission rates must be >= 0 and sum below 1"))
	}
	heavy := make(map[models.VehicleClass]bool, len(cfg.HeavyClasses))
	for _, c := range cfg.HeavyClasses {
		if !c.Valid() {
			errs = append(errs, fmt.Errorf("unknown heavy class %q", string(c)))
			continue
		}
		heavy[c] = true
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pricing config: %w", err)
	}
	return &Engine{
		currency:      cfg.Currency,
		light:         cfg.Light,
		heavy:         cfg.Heavy,
		heavyClasses:  heavy,
		platformRate:  cfg.PlatformRate,
		processorRate: cfg.ProcessorRate,
	}, nil
}

// TariffFor is the single tier lookup shared by every vehicle class.
func (e *Engine) TariffFor(class models.VehicleClass) (Tariff, bool) {
	if e.heavyClasses[class] {
		return e.heavy, true
	}
	return e.light, false
}

// Quote computes the fare breakdown. Rounding to whole currency units happens at
// every step, so payer total always equals processor fee + platform fee + payee total.
func (e *Engine) Quote(distanceKm float64, class models.VehicleClass) (models.FareBreakdown, error) {
	if math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) || distanceKm < 0 {
		return models.FareBreakdown{}, fmt.Errorf("%w: distance %f", models.ErrInvalidInput, distanceKm)
	}
	if !class.Valid() {
		return models.FareBreakdown{}, fmt.Errorf("%w: unknown vehicle class %q", models.ErrInvalidInput, string(class))
	}
	tariff, heavy := e.TariffFor(class)

	distanceFare := round(distanceKm * float64(tariff.PerKm))
	subtotal := tariff.BaseFare + distanceFare
	payerTotal := subtotal
	processorFee := round(float64(payerTotal) * e.processorRate)
	platformFee := round(float64(payerTotal) * e.platformRate)

	return models.FareBreakdown{
		Currency:     e.currency,
		DistanceKm:   distanceKm,
		HeavyTier:    heavy,
		PerKmRate:    tariff.PerKm,
		BaseFare:     tariff.BaseFare,
		DistanceFare: distanceFare,
		Subtotal:     subtotal,
		PlatformFee:  platformFee,
		ProcessorFee: processorFee,
		PayerTotal:   payerTotal,
		PayeeTotal:   payerTotal - processorFee - platformFee,
	}, nil
}

// round is half away from zero.
func round(v float64) int64 {
	return int64(math.Round(v))
}
