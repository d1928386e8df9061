package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/pricing"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally against in-memory backends without any setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	AMQPURL      string
	AMQPExchange string

	PGDSN         string
	RunMigrations bool

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	RouteCacheTTL    time.Duration
	FallbackSpeedMps float64

	DispatchRadiusKm float64
	NearbyRadiusKm   float64

	Tariffs pricing.Config

	EventWorkers int
	EventBuffer  int

	StripeAPIKey string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "operators_geo",
		KafkaLocationTopic: "operator-locations",
		KafkaEventsTopic:   "request-events",
		AMQPExchange:       "tow.dispatch",
		RouteCacheTTL:      10 * time.Minute,
		FallbackSpeedMps:   8,
		DispatchRadiusKm:   10,
		NearbyRadiusKm:     25,
		Tariffs:            pricing.DefaultConfig(),
		EventWorkers:       4,
		EventBuffer:        256,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.FallbackSpeedMps, "ROUTE_FALLBACK_SPEED_MPS", &errs)

	setFloatFromEnv(&cfg.DispatchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusKm, "NEARBY_RADIUS_KM", &errs)

	setInt64FromEnv(&cfg.Tariffs.Light.BaseFare, "LIGHT_BASE_FARE", &errs)
	setInt64FromEnv(&cfg.Tariffs.Light.PerKm, "LIGHT_PER_KM", &errs)
	setInt64FromEnv(&cfg.Tariffs.Heavy.BaseFare, "HEAVY_BASE_FARE", &errs)
	setInt64FromEnv(&cfg.Tariffs.Heavy.PerKm, "HEAVY_PER_KM", &errs)
	setFloatFromEnv(&cfg.Tariffs.PlatformRate, "PLATFORM_RATE", &errs)
	setFloatFromEnv(&cfg.Tariffs.ProcessorRate, "PROCESSOR_RATE", &errs)
	setStringFromEnv(&cfg.Tariffs.Currency, "CURRENCY")
	if v := os.Getenv("HEAVY_CLASSES"); v != "" {
		classes, err := parseClasses(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid HEAVY_CLASSES: %w", err))
		} else {
			cfg.Tariffs.HeavyClasses = classes
		}
	}

	setIntFromEnv(&cfg.EventWorkers, "EVENT_WORKERS", &errs)
	setIntFromEnv(&cfg.EventBuffer, "EVENT_BUFFER", &errs)

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.DispatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if cfg.NearbyRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("NEARBY_RADIUS_KM must be > 0"))
	}
	if cfg.FallbackSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_FALLBACK_SPEED_MPS must be > 0"))
	}
	if cfg.EventWorkers <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_WORKERS must be > 0"))
	}
	if cfg.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("EVENT_BUFFER must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the audit consumer that drains the domain event topic.
type ConsumerConfig struct {
	MetricsAddr  string
	KafkaBrokers []string
	EventsTopic  string
	Group        string
	PGDSN        string

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		EventsTopic:   "request-events",
		Group:         "tow-dispatch-audit",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.EventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.RetryAttempts, "AUDIT_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "AUDIT_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("AUDIT_RETRY_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func parseClasses(v string) ([]models.VehicleClass, error) {
	var out []models.VehicleClass
	for _, raw := range splitAndTrim(v) {
		c, err := models.ParseVehicleClass(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

// Fares are integer currency units.
func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
