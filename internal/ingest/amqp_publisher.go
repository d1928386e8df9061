package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher mirrors domain events to a topic exchange. Routing keys are
// request.offered.<operator_id> and request.<to_state>.
type AMQPPublisher struct {
	mu       sync.RWMutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	log      *slog.Logger
	closed   bool
}

// NewAMQPPublisher connects with a bounded backoff and declares the exchange.
func NewAMQPPublisher(ctx context.Context, url, exchange string, log *slog.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	const maxRetries = 5
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, ch, err := dialAMQP(url, exchange)
		if err == nil {
			log.Info("rabbitmq connected", "exchange", exchange, "attempt", attempt)
			return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, log: log}, nil
		}
		lastErr = err
		log.Warn("rabbitmq connection attempt failed", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
			delay = delay * 3 / 2
		}
	}
	return nil, fmt.Errorf("rabbitmq: failed after %d attempts: %w", maxRetries, lastErr)
}

func dialAMQP(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return conn, ch, nil
}

func (p *AMQPPublisher) OnRequestPublished(ctx context.Context, e models.RequestPublished) {
	recs, err := EncodeOffers(e)
	if err != nil {
		p.log.Error("encode offers failed", "request_id", e.Key(), "error", err)
		return
	}
	for _, r := range recs {
		p.publish(ctx, r)
	}
}

func (p *AMQPPublisher) OnStateChanged(ctx context.Context, e models.StateChanged) {
	rec, err := EncodeStateChanged(e)
	if err != nil {
		p.log.Error("encode state change failed", "request_id", e.Key(), "error", err)
		return
	}
	p.publish(ctx, rec)
}

func (p *AMQPPublisher) publish(ctx context.Context, r Record) {
	p.mu.RLock()
	ch, closed := p.ch, p.closed
	p.mu.RUnlock()
	if ch == nil || closed {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := ch.PublishWithContext(ctx, p.exchange, r.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    r.Key,
		Body:         r.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
	if err != nil {
		observability.EventsPublished.WithLabelValues("amqp", "error").Inc()
		p.log.Warn("amqp publish failed", "routing_key", r.RoutingKey, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues("amqp", "ok").Inc()
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
