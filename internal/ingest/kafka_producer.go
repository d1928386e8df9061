package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
)

const (
	publishTimeout = 2 * time.Second
	// batchTimeout bounds how long a write waits for a batch to fill.
	batchTimeout = 10 * time.Millisecond
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes operator positions to one topic and domain events to
// another. Event messages are keyed by request id so a partition preserves
// each request's order.
type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
	log       *slog.Logger
}

func NewKafkaProducer(brokers []string, locationTopic, eventsTopic string, log *slog.Logger) *KafkaProducer {
	if log == nil {
		log = slog.Default()
	}
	p := &KafkaProducer{log: log}
	if locationTopic != "" {
		// Positions are fire-and-forget; delivery results arrive via Completion.
		p.locations = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        locationTopic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: batchTimeout,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			Completion:   p.locationsDelivered,
		}
	}
	if eventsTopic != "" {
		p.events = &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        eventsTopic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: batchTimeout,
			RequiredAcks: kafka.RequireOne,
		}
	}
	return p
}

func (k *KafkaProducer) locationsDelivered(msgs []kafka.Message, err error) {
	if err != nil {
		observability.EventsPublished.WithLabelValues("kafka_locations", "error").Add(float64(len(msgs)))
		k.log.Warn("kafka location publish failed", "error", err, "count", len(msgs))
		return
	}
	observability.EventsPublished.WithLabelValues("kafka_locations", "ok").Add(float64(len(msgs)))
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	if k.locations == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.OperatorID), Value: b, Time: u.At})
}

func (k *KafkaProducer) OnRequestPublished(ctx context.Context, e models.RequestPublished) {
	recs, err := EncodeOffers(e)
	if err != nil {
		k.log.Error("encode offers failed", "request_id", e.Key(), "error", err)
		return
	}
	k.write(ctx, recs...)
}

func (k *KafkaProducer) OnStateChanged(ctx context.Context, e models.StateChanged) {
	rec, err := EncodeStateChanged(e)
	if err != nil {
		k.log.Error("encode state change failed", "request_id", e.Key(), "error", err)
		return
	}
	k.write(ctx, rec)
}

func (k *KafkaProducer) write(ctx context.Context, recs ...Record) {
	if k.events == nil || len(recs) == 0 {
		return
	}
	msgs := make([]kafka.Message, len(recs))
	for i, r := range recs {
		msgs[i] = kafka.Message{Key: []byte(r.Key), Value: r.Body}
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.events.WriteMessages(ctx, msgs...); err != nil {
		observability.EventsPublished.WithLabelValues("kafka", "error").Add(float64(len(msgs)))
		k.log.Warn("kafka event publish failed", "error", err, "count", len(msgs))
		return
	}
	observability.EventsPublished.WithLabelValues("kafka", "ok").Add(float64(len(msgs)))
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
