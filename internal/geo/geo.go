package geo

import (
	"math"
	"sort"

	"github.com/example/tow-dispatch/internal/models"
)

const earthRadiusMeters = 6371000.0

// Match is an eligible operator together with its great-circle distance from the origin.
type Match struct {
	Operator   models.Operator
	DistanceKm float64
}

// FindEligible filters the pool down to operators that can take a request for class at
// origin: available, verified, not suspended, broadcasting a position, capable of the
// class, and no further than radiusKm. Results are ordered nearest first; equal
// distances keep their pool order. The pool is not modified.
func FindEligible(origin models.Coord, class models.VehicleClass, radiusKm float64, pool []models.Operator) []Match {
	out := make([]Match, 0, len(pool))
	for _, op := range pool {
		if op.Availability != models.AvailabilityAvailable || op.Location == nil {
			continue
		}
		if !op.CanService(class) {
			continue
		}
		dist := DistanceKm(origin, *op.Location)
		if dist > radiusKm {
			continue
		}
		out = append(out, Match{Operator: op, DistanceKm: dist})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

// Candidates strips matches down to the identifiers and distances carried on events.
func Candidates(matches []Match) []models.Candidate {
	out := make([]models.Candidate, len(matches))
	for i, m := range matches {
		out[i] = models.Candidate{OperatorID: m.Operator.ID, DistanceKm: m.DistanceKm}
	}
	return out
}

// DistanceKm is the haversine distance between two coordinates in kilometres.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}
