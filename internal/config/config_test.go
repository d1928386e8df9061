package config

import (
	"strings"
	"testing"
	"time"

	"github.com/example/tow-dispatch/internal/models"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults must load: %v", err)
	}
	if cfg.DispatchRadiusKm != 10 || cfg.NearbyRadiusKm != 25 {
		t.Fatalf("unexpected radii %v/%v", cfg.DispatchRadiusKm, cfg.NearbyRadiusKm)
	}
	if cfg.Tariffs.Light.BaseFare != 25000 || cfg.Tariffs.Heavy.PerKm != 1850 {
		t.Fatalf("unexpected tariffs %+v", cfg.Tariffs)
	}
	if cfg.HTTPAddr != ":8080" || cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("unexpected http defaults %+v", cfg)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("DISPATCH_RADIUS_KM", "7.5")
	t.Setenv("LIGHT_BASE_FARE", "30000")
	t.Setenv("PLATFORM_RATE", "0.2")
	t.Setenv("HEAVY_CLASSES", "camion, furgon")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("addr %q", cfg.HTTPAddr)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers %v", cfg.KafkaBrokers)
	}
	if cfg.DispatchRadiusKm != 7.5 || cfg.Tariffs.Light.BaseFare != 30000 || cfg.Tariffs.PlatformRate != 0.2 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Tariffs.HeavyClasses) != 2 || cfg.Tariffs.HeavyClasses[1] != models.ClassFurgon {
		t.Fatalf("heavy classes %v", cfg.Tariffs.HeavyClasses)
	}
	if !cfg.RunMigrations || cfg.LogLevel != "debug" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("NEARBY_RADIUS_KM", "-1")
	t.Setenv("HEAVY_PER_KM", "1.5")
	t.Setenv("HEAVY_CLASSES", "TRACTOR")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "NEARBY_RADIUS_KM", "HEAVY_PER_KM", "HEAVY_CLASSES"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP", "audit-2")
	t.Setenv("AUDIT_RETRY_ATTEMPTS", "0")

	cfg, err := LoadConsumerConfig()
	if err == nil || !strings.Contains(err.Error(), "AUDIT_RETRY_ATTEMPTS") {
		t.Fatalf("expected retry validation error, got %v", err)
	}
	if cfg.Group != "audit-2" || cfg.EventsTopic != "request-events" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
