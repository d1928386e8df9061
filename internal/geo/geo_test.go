package geo

import (
	"math"
	"testing"

	"github.com/example/tow-dispatch/internal/models"
)

// kmPerDegreeLat is the meridian arc length of one degree on the haversine sphere.
const kmPerDegreeLat = earthRadiusMeters / 1000 * math.Pi / 180

var origin = models.Coord{Lat: 4.60, Lon: -74.08}

func north(km float64) *models.Coord {
	return &models.Coord{Lat: origin.Lat + km/kmPerDegreeLat, Lon: origin.Lon}
}

func operator(id string, loc *models.Coord, classes ...models.VehicleClass) models.Operator {
	if len(classes) == 0 {
		classes = []models.VehicleClass{models.ClassAutomovil}
	}
	caps, _ := models.NewCapabilitySet(classes...)
	return models.Operator{
		ID:           id,
		Location:     loc,
		Availability: models.AvailabilityAvailable,
		Capabilities: caps,
		Verified:     true,
	}
}

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Bogotá to Medellín is roughly 240 km as the crow flies.
	got := DistanceKm(models.Coord{Lat: 4.711, Lon: -74.0721}, models.Coord{Lat: 6.2442, Lon: -75.5812})
	if math.Abs(got-238) > 10 {
		t.Fatalf("unexpected distance %f", got)
	}
	back := DistanceKm(models.Coord{Lat: 6.2442, Lon: -75.5812}, models.Coord{Lat: 4.711, Lon: -74.0721})
	if math.Abs(got-back) > 1e-9 {
		t.Fatalf("haversine not symmetric: %f vs %f", got, back)
	}
}

func TestFindEligibleRadiusAndOrder(t *testing.T) {
	pool := []models.Operator{
		operator("far", north(15)),
		operator("edge-out", north(10.1)),
		operator("edge-in", north(9.9)),
		operator("near", north(5)),
	}
	got := FindEligible(origin, models.ClassAutomovil, 10, pool)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(got), got)
	}
	if got[0].Operator.ID != "near" || got[1].Operator.ID != "edge-in" {
		t.Fatalf("unexpected order: %s, %s", got[0].Operator.ID, got[1].Operator.ID)
	}
	if math.Abs(got[0].DistanceKm-5) > 1e-6 || math.Abs(got[1].DistanceKm-9.9) > 1e-6 {
		t.Fatalf("unexpected distances: %f, %f", got[0].DistanceKm, got[1].DistanceKm)
	}
}

func TestFindEligibleFilters(t *testing.T) {
	busy := operator("busy", north(1))
	busy.Availability = models.AvailabilityBusy
	offline := operator("offline", north(1))
	offline.Availability = models.AvailabilityOffline
	unverified := operator("unverified", north(1))
	unverified.Verified = false
	suspended := operator("suspended", north(1))
	suspended.Suspended = true
	noLocation := operator("no-location", nil)
	wrongClass := operator("wrong-class", north(1), models.ClassMoto)
	ok := operator("ok", north(2), models.ClassMoto, models.ClassAutomovil)

	pool := []models.Operator{busy, offline, unverified, suspended, noLocation, wrongClass, ok}
	got := FindEligible(origin, models.ClassAutomovil, 10, pool)
	if len(got) != 1 || got[0].Operator.ID != "ok" {
		t.Fatalf("expected only ok, got %+v", got)
	}
}

func TestFindEligibleStableTies(t *testing.T) {
	pool := []models.Operator{
		operator("b", north(3)),
		operator("a", north(3)),
		operator("c", north(1)),
		operator("d", north(3)),
	}
	got := FindEligible(origin, models.ClassAutomovil, 10, pool)
	want := []string{"c", "b", "a", "d"}
	for i, id := range want {
		if got[i].Operator.ID != id {
			t.Fatalf("position %d: got %s, want %s", i, got[i].Operator.ID, id)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i].DistanceKm < got[i-1].DistanceKm {
			t.Fatalf("distances not non-decreasing at %d", i)
		}
	}
}

func TestFindEligibleDoesNotMutatePool(t *testing.T) {
	pool := []models.Operator{operator("x", north(4)), operator("y", north(2))}
	FindEligible(origin, models.ClassAutomovil, 10, pool)
	if pool[0].ID != "x" || pool[1].ID != "y" {
		t.Fatalf("pool reordered")
	}
}

func TestCandidates(t *testing.T) {
	c := Candidates([]Match{{Operator: models.Operator{ID: "o1"}, DistanceKm: 1.5}})
	if len(c) != 1 || c[0].OperatorID != "o1" || c[0].DistanceKm != 1.5 {
		t.Fatalf("unexpected candidates %+v", c)
	}
}
