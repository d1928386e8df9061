package realtime

import (
	"encoding/json"
	"log/slog"

	"github.com/example/tow-dispatch/internal/observability"
)

// Message is the envelope written to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Bus struct {
	registry Registry
	log      *slog.Logger
}

func NewBus(registry Registry, log *slog.Logger) *Bus {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{registry: registry, log: log}
}

// Attach registers c under id. The identity is not validated against any store.
func (b *Bus) Attach(id Identity, c Conn) {
	b.registry.Add(id, c)
	observability.RealtimeSessions.Set(float64(b.registry.Len()))
	b.log.Debug("session attached", "identity", id.String(), "conn_id", c.ID())
}

// Detach drops the connection. It has no effect on request or operator state.
func (b *Bus) Detach(id Identity, connID string) {
	if b.registry.Remove(id, connID) {
		observability.RealtimeSessions.Set(float64(b.registry.Len()))
		b.log.Debug("session detached", "identity", id.String(), "conn_id", connID)
	}
}

// Notify delivers msg to every live connection of id and returns how many
// accepted it. No connection means no-op.
func (b *Bus) Notify(id Identity, msg Message) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("realtime encode failed", "type", msg.Type, "error", err)
		return 0
	}
	return b.send(id, msg.Type, payload)
}

// BroadcastEligible sends the same message to each operator id.
func (b *Bus) BroadcastEligible(operatorIDs []string, msg Message) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("realtime encode failed", "type", msg.Type, "error", err)
		return 0
	}
	delivered := 0
	for _, id := range operatorIDs {
		delivered += b.send(Operator(id), msg.Type, payload)
	}
	return delivered
}

func (b *Bus) send(id Identity, msgType string, payload []byte) int {
	conns := b.registry.Conns(id)
	if len(conns) == 0 {
		observability.RealtimeDeliveries.WithLabelValues(msgType, "offline").Inc()
		return 0
	}
	delivered := 0
	for _, c := range conns {
		if c.Send(payload) {
			delivered++
			observability.RealtimeDeliveries.WithLabelValues(msgType, "sent").Inc()
			continue
		}
		observability.RealtimeDeliveries.WithLabelValues(msgType, "dropped").Inc()
		b.log.Warn("realtime delivery dropped", "identity", id.String(), "conn_id", c.ID(), "type", msgType)
	}
	return delivered
}
