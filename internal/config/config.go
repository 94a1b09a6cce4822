package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ride store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// ServerConfig captures all tunable parameters for the API process.
// Every value has a default so the binary runs locally on the in-memory
// backends with nothing but JWT_SECRET set.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	LogLevel  string
	JWTSecret string
	TokenTTL  time.Duration

	RideStore     string
	PGDSN         string
	RunMigrations bool
	MongoURI      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	AMQPURL      string
	AMQPExchange string

	StripeAPIKey   string
	StripeCurrency string

	OSRMEndpoint    string
	DefaultSpeedMps float64
	NearbyRadiusKm  float64

	CancelFeePercent  int64
	CancelFeeCapPaise int64
	CommissionPercent int64
	OTPDigits         int
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		LogLevel:          "info",
		TokenTTL:          24 * time.Hour,
		RideStore:         StoreMemory,
		MongoDatabase:     "rides",
		RedisGeoKey:       "drivers_geo",
		KafkaTopic:        "driver-locations",
		AMQPExchange:      "ride.events",
		StripeCurrency:    "inr",
		DefaultSpeedMps:   8,
		NearbyRadiusKm:    5,
		CancelFeePercent:  10,
		CancelFeeCapPaise: 5000,
		CommissionPercent: 20,
		OTPDigits:         4,
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

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "JWT_TTL", &errs)

	if v := os.Getenv("RIDE_STORE"); v != "" {
		cfg.RideStore = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&cfg.MongoDatabase, "MONGO_DATABASE")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.NearbyRadiusKm, "NEARBY_RADIUS_KM", &errs)

	setInt64FromEnv(&cfg.CancelFeePercent, "CANCEL_FEE_PERCENT", &errs)
	setInt64FromEnv(&cfg.CancelFeeCapPaise, "CANCEL_FEE_CAP_PAISE", &errs)
	setInt64FromEnv(&cfg.CommissionPercent, "COMMISSION_PERCENT", &errs)
	setIntFromEnv(&cfg.OTPDigits, "OTP_DIGITS", &errs)

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.RideStore {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("RIDE_STORE=postgres requires PG_DSN"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("RIDE_STORE=mongo requires MONGO_URI"))
		}
	default:
		errs = append(errs, fmt.Errorf("RIDE_STORE must be memory, postgres or mongo, got %q", c.RideStore))
	}
	for key, v := range map[string]int64{"CANCEL_FEE_PERCENT": c.CancelFeePercent, "COMMISSION_PERCENT": c.CommissionPercent} {
		if v < 0 || v > 100 {
			errs = append(errs, fmt.Errorf("%s must be within [0,100], got %d", key, v))
		}
	}
	if c.CancelFeeCapPaise < 0 {
		errs = append(errs, errors.New("CANCEL_FEE_CAP_PAISE must be >= 0"))
	}
	if c.OTPDigits < 4 || c.OTPDigits > 8 {
		errs = append(errs, fmt.Errorf("OTP_DIGITS must be within [4,8], got %d", c.OTPDigits))
	}
	if c.NearbyRadiusKm <= 0 {
		errs = append(errs, errors.New("NEARBY_RADIUS_KM must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, errors.New("MATCHER_DEFAULT_SPEED_MPS must be > 0"))
	}
	return errs
}

// ConsumerConfig is the location stream consumer's subset of settings.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-locations",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
	}
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, errors.New("KAFKA_BROKERS must name at least one broker")
	}
	return cfg, nil
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
