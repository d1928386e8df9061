package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/tow-dispatch/internal/config"
	"github.com/example/tow-dispatch/internal/ingest"
	"github.com/example/tow-dispatch/internal/logging"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_consumer_messages_consumed_total",
		Help: "Total domain event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_consumer_messages_invalid_total",
		Help: "Total undecodable messages received",
	})
	eventsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_consumer_events_appended_total",
		Help: "Total state changes written to the audit log",
	})
	appendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_consumer_append_errors_total",
		Help: "Total state changes dropped after exhausting retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, eventsAppended, appendErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var (
		audit storage.AuditLog
		ready = func(context.Context) error { return nil }
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		audit = ps
		ready = func(ctx context.Context) error { return ps.DB().PingContext(ctx) }
	} else {
		logger.Warn("PG_DSN not set, audit events are kept in memory only")
		audit = storage.NewMemoryStore()
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "audit store not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.EventsTopic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	c := &auditConsumer{audit: audit, log: logger, attempts: cfg.RetryAttempts, delay: cfg.RetryDelay}
	logger.Info("consumer listening", "topic", cfg.EventsTopic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)
	c.run(ctx, r)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type auditConsumer struct {
	audit    storage.AuditLog
	log      *slog.Logger
	attempts int
	delay    time.Duration
}

// run commits each message after it has been handled. Appends are idempotent
// per (request, state), so a redelivery after a crash is harmless.
func (c *auditConsumer) run(ctx context.Context, r messageReader) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("shutting down consumer")
				return
			}
			c.log.Warn("kafka fetch error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		c.handle(ctx, m.Value)
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.log.Warn("kafka commit failed", "offset", m.Offset, "error", err)
		}
	}
}

// handle appends state changes and skips every other event type.
func (c *auditConsumer) handle(ctx context.Context, value []byte) {
	msgsConsumed.Inc()
	e, ok, err := ingest.DecodeStateChanged(value)
	if err != nil {
		msgsInvalid.Inc()
		c.log.Warn("invalid message", "error", err)
		return
	}
	if !ok {
		return
	}
	if err := appendWithRetry(ctx, c.audit, e, c.attempts, c.delay); err != nil {
		appendErrors.Inc()
		c.log.Error("audit append failed", "request_id", e.RequestID, "to_state", e.To, "error", err)
		return
	}
	eventsAppended.Inc()
}

func appendWithRetry(ctx context.Context, audit storage.AuditLog, e models.StateChanged, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = audit.AppendEvent(ctx, e); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrInvalidInput) || i == attempts-1 {
			return err
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
