// Package app assembles tally's components from environment settings.
package app

import (
	"fmt"
	"time"

	"github.com/RickSF09/eva-sub001/internal/usage"
	"github.com/RickSF09/eva-sub001/pkg/config"
	"github.com/RickSF09/eva-sub001/pkg/redis"
)

// ServiceName labels logs, metrics and health output.
const ServiceName = "tally"

// Settings is the runtime configuration read from the environment.
type Settings struct {
	DatabaseURL         string
	JWTSecret           string
	ServiceToken        string
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string
	StripeMaxRetries    int
	ProviderTimeout     time.Duration
	RequestTimeout      time.Duration
	PlanCatalogPath     string
	UsageRounding       usage.Rounding

	Redis        redis.Config
	RedisEnabled bool
	EventTTL     time.Duration

	KafkaBrokers []string
	EventsTopic  string

	ResyncEnabled  bool
	ResyncInterval time.Duration
	ResyncGrace    time.Duration

	Port string
}

// LoadSettings reads Settings from the process environment. Required
// variables are checked by Validate, not here.
func LoadSettings() (Settings, error) {
	rounding, err := usage.ParseRounding(config.GetEnv("USAGE_ROUNDING", string(usage.RoundTotal)))
	if err != nil {
		return Settings{}, err
	}

	redisCfg, redisEnabled := redis.ConfigFromEnv()

	return Settings{
		DatabaseURL:         config.GetEnv("DATABASE_URL", ""),
		JWTSecret:           config.GetEnv("JWT_SECRET", ""),
		ServiceToken:        config.GetEnv("SERVICE_TOKEN", ""),
		StripeSecretKey:     config.GetEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeAPIURL:        config.GetEnv("STRIPE_API_URL", ""),
		StripeMaxRetries:    config.GetEnvInt("STRIPE_MAX_RETRIES", 2),
		ProviderTimeout:     config.GetEnvDuration("PROVIDER_TIMEOUT", 10*time.Second),
		RequestTimeout:      config.GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		PlanCatalogPath:     config.GetEnv("PLAN_CATALOG_PATH", ""),
		UsageRounding:       rounding,
		Redis:               redisCfg,
		RedisEnabled:        redisEnabled,
		EventTTL:            config.GetEnvDuration("WEBHOOK_EVENT_TTL", 0),
		KafkaBrokers:        config.GetEnvList("KAFKA_BROKERS"),
		EventsTopic:         config.GetEnv("BILLING_EVENTS_TOPIC", "billing.subscription_events"),
		ResyncEnabled:       config.GetEnvBool("RESYNC_ENABLED", true),
		ResyncInterval:      config.GetEnvDuration("RESYNC_INTERVAL", time.Hour),
		ResyncGrace:         config.GetEnvDuration("RESYNC_GRACE", time.Hour),
		Port:                config.GetEnv("PORT", "18040"),
	}, nil
}

// Validate reports the first missing variable among keys.
func (s Settings) Validate(keys ...string) error {
	values := map[string]string{
		"DATABASE_URL":      s.DatabaseURL,
		"JWT_SECRET":        s.JWTSecret,
		"STRIPE_SECRET_KEY": s.StripeSecretKey,
	}
	for _, k := range keys {
		if values[k] == "" {
			return fmt.Errorf("environment variable %s is required but not set", k)
		}
	}
	return nil
}
