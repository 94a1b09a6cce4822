package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RideStore != StoreMemory || cfg.HTTPAddr != ":8080" || cfg.CancelFeeCapPaise != 5000 || cfg.OTPDigits != 4 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("RIDE_STORE", "Postgres")
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("HTTP_READ_TIMEOUT", "3s")
	t.Setenv("COMMISSION_PERCENT", "15")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RideStore != StorePostgres || !cfg.RunMigrations || cfg.ReadTimeout != 3*time.Second || cfg.CommissionPercent != 15 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
}

func TestLoadServerConfigAggregatesErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("RIDE_STORE", "mongo")
	t.Setenv("HTTP_IDLE_TIMEOUT", "forever")
	t.Setenv("CANCEL_FEE_PERCENT", "150")
	t.Setenv("OTP_DIGITS", "x")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"JWT_SECRET", "MONGO_URI", "HTTP_IDLE_TIMEOUT", "CANCEL_FEE_PERCENT", "OTP_DIGITS"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("KAFKA_BROKER", "legacy:9092")
	t.Setenv("KAFKA_GROUP", "g1")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "legacy:9092" || cfg.KafkaGroup != "g1" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
