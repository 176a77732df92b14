// Package config loads the immutable runtime configuration of the billing
// engine from a dotenv file and the process environment.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/miragespace/billing/invoice"
	"github.com/miragespace/billing/spec"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	extErrors "github.com/pkg/errors"
)

// Environment selects the dotenv file and the logger flavor
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Broker selects the message bus adapter
const (
	BrokerAMQP string = "amqp"
	BrokerNATS string = "nats"
)

// Config is built once at startup and passed by value
type Config struct {
	Environment         Environment `validate:"oneof=development production"`
	PostgresURI         string      `validate:"required"`
	RedisURI            string
	RedisPassword       string
	Broker              string `validate:"oneof=amqp nats"`
	AMQPURI             string `validate:"required_if=Broker amqp"`
	NATSURI             string `validate:"required_if=Broker nats"`
	StripeKey           string `validate:"required"`
	StripeWebhookSecret string `validate:"required"`
	PlansPath           string `validate:"required"`
	ListenAddr          string `validate:"required"`
	SweepSchedule       string `validate:"required"`
	Policy              invoice.Policy
	ExternalTimeout     time.Duration `validate:"gt=0"`
	Workers             int64         `validate:"gte=1"`
	MaxPublishAttempts  int           `validate:"gte=1"`
	SentryDSN           string
}

// Production reports whether the engine runs in production
func (c Config) Production() bool {
	return c.Environment == EnvProduction
}

// Lookup reads a single key, like os.LookupEnv
type Lookup func(key string) (string, bool)

var validate = validator.New()

// Load reads .env.<ENV> from the working directory, if present, then
// overlays the process environment.
func Load() (Config, error) {
	env := os.Getenv("ENV")
	if env == "" {
		env = string(EnvDevelopment)
	}
	return LoadFile(".env."+env, os.LookupEnv)
}

// LoadFile reads dotFile and overlays lookup. A missing file is not an error.
func LoadFile(dotFile string, lookup Lookup) (Config, error) {
	values, err := godotenv.Read(dotFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, extErrors.Wrap(err, "Cannot load configurations from .env")
	}
	return FromLookup(func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	})
}

// FromLookup builds and validates a Config
func FromLookup(lookup Lookup) (Config, error) {
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}

	policy := invoice.DefaultPolicy()
	offsets, err := spec.ParseDurations(get("DUNNING_OFFSETS", "1d,3d,7d"))
	if err != nil {
		return Config{}, extErrors.Wrap(err, "Invalid DUNNING_OFFSETS")
	}
	if len(offsets) == 0 {
		return Config{}, errors.New("DUNNING_OFFSETS needs at least one offset")
	}
	policy.Offsets = offsets
	if policy.GracePeriod, err = spec.ParseDuration(get("GRACE_PERIOD", "7d")); err != nil {
		return Config{}, extErrors.Wrap(err, "Invalid GRACE_PERIOD")
	}
	if policy.MaxResubmissions, err = strconv.Atoi(get("MAX_RESUBMISSIONS", "5")); err != nil || policy.MaxResubmissions < 0 {
		return Config{}, errors.New("Invalid MAX_RESUBMISSIONS")
	}

	timeout, err := spec.ParseDuration(get("EXTERNAL_TIMEOUT", spec.DefaultExternalCallTimeout.String()))
	if err != nil {
		return Config{}, extErrors.Wrap(err, "Invalid EXTERNAL_TIMEOUT")
	}
	workers, err := strconv.ParseInt(get("WORKERS", "16"), 10, 64)
	if err != nil {
		return Config{}, extErrors.Wrap(err, "Invalid WORKERS")
	}
	maxPublish, err := strconv.Atoi(get("MAX_PUBLISH_ATTEMPTS", "10"))
	if err != nil {
		return Config{}, extErrors.Wrap(err, "Invalid MAX_PUBLISH_ATTEMPTS")
	}

	c := Config{
		Environment:         Environment(get("ENV", string(EnvDevelopment))),
		PostgresURI:         get("POSTGRES_URI", ""),
		RedisURI:            get("REDIS_URI", ""),
		RedisPassword:       get("REDIS_PW", ""),
		Broker:              get("BROKER", BrokerAMQP),
		AMQPURI:             get("AMQP_URI", ""),
		NATSURI:             get("NATS_URI", ""),
		StripeKey:           get("STRIPE_KEY", ""),
		StripeWebhookSecret: get("STRIPE_WEBHOOK_SECRET", ""),
		PlansPath:           get("PLANS_PATH", "plans.json"),
		ListenAddr:          get("LISTEN_ADDR", ":8080"),
		SweepSchedule:       get("SWEEP_SCHEDULE", spec.DefaultSweepSchedule),
		Policy:              policy,
		ExternalTimeout:     timeout,
		Workers:             workers,
		MaxPublishAttempts:  maxPublish,
		SentryDSN:           get("SENTRY_DSN", ""),
	}
	if err := validate.Struct(c); err != nil {
		return Config{}, extErrors.Wrap(err, "Invalid configuration")
	}
	return c, nil
}
