// Package ingest moves domain events and operator positions onto external
// streams for subscribers such as the audit log.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

const (
	TypeOffer        = "request.offered"
	TypeStateChanged = "request.state_changed"
)

// Envelope is the wire format of the domain event stream.
type Envelope struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	At      time.Time       `json:"timestamp"`
	Payload json.RawMessage `json:"payload"`
}

// Record is an encoded envelope plus the routing information a sink needs.
type Record struct {
	Key        string
	RoutingKey string
	Body       []byte
}

// EncodeOffers yields one record per candidate, {operator_id, new_eligible_request_id}.
func EncodeOffers(e models.RequestPublished) ([]Record, error) {
	offers := e.Offers()
	out := make([]Record, 0, len(offers))
	for _, o := range offers {
		rec, err := encode(TypeOffer, e.Key(), o.At, o)
		if err != nil {
			return nil, err
		}
		rec.RoutingKey = TypeOffer + "." + o.OperatorID
		out = append(out, rec)
	}
	return out, nil
}

func EncodeStateChanged(e models.StateChanged) (Record, error) {
	rec, err := encode(TypeStateChanged, e.Key(), e.At, e)
	if err != nil {
		return Record{}, err
	}
	rec.RoutingKey = "request." + strings.ToLower(string(e.To))
	return rec, nil
}

func encode(typ, key string, at time.Time, payload any) (Record, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	b, err := json.Marshal(Envelope{Type: typ, Key: key, At: at, Payload: p})
	if err != nil {
		return Record{}, fmt.Errorf("encode %s envelope: %w", typ, err)
	}
	return Record{Key: key, Body: b}, nil
}

// DecodeStateChanged parses an envelope and returns its transition. ok is false
// for envelopes of other types.
func DecodeStateChanged(b []byte) (e models.StateChanged, ok bool, err error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return e, false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != TypeStateChanged {
		return e, false, nil
	}
	if err := json.Unmarshal(env.Payload, &e); err != nil {
		return e, false, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if e.RequestID == "" || !e.To.Valid() {
		return e, false, fmt.Errorf("%w: incomplete state change", models.ErrInvalidInput)
	}
	return e, true, nil
}
