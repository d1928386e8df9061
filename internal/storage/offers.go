package storage

import (
	"context"
	"sync"
)

// OfferLog remembers which operators were offered a request so the offer can be
// withdrawn from the others once it is claimed or cancelled.
type OfferLog interface {
	Record(ctx context.Context, requestID string, operatorIDs []string) error
	Offered(ctx context.Context, requestID string) ([]string, error)
	Forget(ctx context.Context, requestID string) error
}

type MemoryOfferLog struct {
	mu     sync.Mutex
	offers map[string]map[string]struct{}
}

func NewMemoryOfferLog() *MemoryOfferLog {
	return &MemoryOfferLog{offers: make(map[string]map[string]struct{})}
}

func (l *MemoryOfferLog) Record(_ context.Context, requestID string, operatorIDs []string) error {
	if len(operatorIDs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.offers[requestID]
	if !ok {
		set = make(map[string]struct{}, len(operatorIDs))
		l.offers[requestID] = set
	}
	for _, id := range operatorIDs {
		set[id] = struct{}{}
	}
	return nil
}

func (l *MemoryOfferLog) Offered(_ context.Context, requestID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.offers[requestID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (l *MemoryOfferLog) Forget(_ context.Context, requestID string) error {
	l.mu.Lock()
	delete(l.offers, requestID)
	l.mu.Unlock()
	return nil
}
