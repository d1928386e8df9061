package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

type fakeIndex struct {
	ids []string
	err error
}

func (f fakeIndex) Nearby(context.Context, models.Coord, float64) ([]string, error) {
	return f.ids, f.err
}

func TestIndexedPoolRereadsStore(t *testing.T) {
	f := newFixture(t)
	f.operator(t, "o1", north(1))
	f.operator(t, "o2", north(2))
	ctx := context.Background()
	// o1 went busy after the index was written
	_, _ = f.store.SetOperatorAvailability(ctx, "o1", []models.Availability{models.AvailabilityAvailable}, models.AvailabilityBusy, f.c.now())

	p := IndexedPool{Index: fakeIndex{ids: []string{"o1", "o2", "ghost"}}, Store: f.store}
	pool, err := p.Pool(ctx, origin, 10)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if len(pool) != 2 || pool[0].Availability != models.AvailabilityBusy {
		t.Fatalf("expected fresh store records, got %+v", pool)
	}
}

func TestIndexedPoolFallsBackToScan(t *testing.T) {
	store := storage.NewMemoryStore()
	caps, _ := models.NewCapabilitySet(models.ClassMoto)
	_ = store.SaveOperator(context.Background(), &models.Operator{
		ID: "o1", Location: north(1), Availability: models.AvailabilityAvailable, Capabilities: caps, Verified: true,
	})
	p := IndexedPool{Index: fakeIndex{err: errors.New("redis down")}, Store: store}
	pool, err := p.Pool(context.Background(), origin, 10)
	if err != nil || len(pool) != 1 {
		t.Fatalf("expected store scan, got %v err=%v", pool, err)
	}
}
