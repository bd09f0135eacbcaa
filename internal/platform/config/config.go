// Package config loads process configuration from the environment and the
// access/funnel policy from a YAML file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"shepherd/pkg/platform/strings"
)

// EnvPrefix is prepended to every variable name.
const EnvPrefix = "SHEPHERD_"

// Config is the process configuration.
type Config struct {
	Addr         string        `env:"ADDR" envDefault:":8080" validate:"required"`
	MetricsAddr  string        `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	PolicyFile   string        `env:"POLICY_FILE"`
	// EvaluateInterval is how often follow-up tasks are expired and idle
	// people are swept.
	EvaluateInterval time.Duration `env:"EVALUATE_INTERVAL" envDefault:"15m" validate:"gt=0"`

	Database  DatabaseConfig  `envPrefix:"DATABASE_"`
	Redis     RedisConfig     `envPrefix:"REDIS_"`
	Auth      AuthConfig      `envPrefix:"AUTH_"`
	Cipher    CipherConfig    `envPrefix:"CIPHER_"`
	Events    EventsConfig    `envPrefix:"EVENTS_"`
	RateLimit RateLimitConfig `envPrefix:"RATE_LIMIT_"`
}

// DatabaseConfig selects Postgres. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL             string        `env:"URL"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"20" validate:"gte=1"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5" validate:"gte=0"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
}

// RedisConfig selects Redis for sessions and follow-up dedupe. An empty URL
// keeps both in memory.
type RedisConfig struct {
	URL          string        `env:"URL"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10" validate:"gte=1"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2" validate:"gte=0"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// AuthConfig configures session tokens.
type AuthConfig struct {
	JWTSigningKey string        `env:"JWT_SIGNING_KEY" validate:"required,min=32"`
	Issuer        string        `env:"ISSUER" envDefault:"shepherd"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"12h" validate:"gt=0"`
	// BootstrapEmail and BootstrapPassword create the first administrator
	// when no staff account exists yet.
	BootstrapEmail    string `env:"BOOTSTRAP_EMAIL" validate:"omitempty,email"`
	BootstrapPassword string `env:"BOOTSTRAP_PASSWORD,unset" validate:"omitempty,min=10,max=72"`
}

// RateLimitConfig throttles logins per client IP and locks an account out of
// one IP after repeated failures. Counters live in Redis when configured.
type RateLimitConfig struct {
	LoginPerIP      int           `env:"LOGIN_PER_IP" envDefault:"30" validate:"gte=1"`
	LoginWindow     time.Duration `env:"LOGIN_WINDOW" envDefault:"1m" validate:"gt=0"`
	LockoutAttempts int           `env:"LOCKOUT_ATTEMPTS" envDefault:"5" validate:"gte=1"`
	LockoutWindow   time.Duration `env:"LOCKOUT_WINDOW" envDefault:"15m" validate:"gt=0"`
}

// CipherConfig supplies key material. Either KeyFile (YAML, re-read on
// rotation) or Keys ("version:base64,...") must be set.
type CipherConfig struct {
	KeyFile       string `env:"KEY_FILE"`
	Keys          string `env:"KEYS"`
	ActiveVersion uint32 `env:"ACTIVE_VERSION"`
}

// EventsConfig selects the outbound event transport.
type EventsConfig struct {
	Backend      string `env:"BACKEND" envDefault:"memory" validate:"oneof=memory kafka nats"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC" envDefault:"shepherd.events"`
	NATSURL      string `env:"NATS_URL"`
	NATSSubject  string `env:"NATS_SUBJECT" envDefault:"shepherd.events"`
	// KafkaPartitions and KafkaReplication are used when the topic has to be
	// created at startup.
	KafkaPartitions  int32 `env:"KAFKA_PARTITIONS" envDefault:"3" validate:"gte=1"`
	KafkaReplication int16 `env:"KAFKA_REPLICATION" envDefault:"1" validate:"gte=1"`
}

// Brokers returns the configured Kafka seed brokers.
func (e EventsConfig) Brokers() []string {
	return strings.SplitList(e.KafkaBrokers)
}

// Load reads an optional .env file, then the environment, and validates.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses and validates the environment without touching .env.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseEnv loads configuration from prefixed environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Cipher.KeyFile == "" && c.Cipher.Keys == "" {
		return errors.New("invalid config: cipher key file or keys must be set")
	}
	switch c.Events.Backend {
	case "kafka":
		if len(c.Events.Brokers()) == 0 {
			return errors.New("invalid config: kafka backend requires brokers")
		}
	case "nats":
		if c.Events.NATSURL == "" {
			return errors.New("invalid config: nats backend requires a URL")
		}
	}
	return nil
}
