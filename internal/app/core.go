package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/RickSF09/eva-sub001/internal/events"
	"github.com/RickSF09/eva-sub001/internal/plans"
	"github.com/RickSF09/eva-sub001/internal/reconcile"
	"github.com/RickSF09/eva-sub001/internal/store"
	"github.com/RickSF09/eva-sub001/internal/stripe"
	"github.com/RickSF09/eva-sub001/internal/usage"
	"github.com/RickSF09/eva-sub001/pkg/clients"
	"github.com/RickSF09/eva-sub001/pkg/database"
	"github.com/RickSF09/eva-sub001/pkg/kafka"
	"github.com/RickSF09/eva-sub001/pkg/logging"
	"github.com/RickSF09/eva-sub001/pkg/monitoring"
	"github.com/RickSF09/eva-sub001/pkg/redis"
)

// EventsChannel is the Redis channel subscription changes are mirrored to.
const EventsChannel = "tally:subscription_events"

// Metrics are tally's domain metrics.
type Metrics struct {
	Reconciles        *prometheus.CounterVec
	SignatureFailures *prometheus.CounterVec
	ProviderDuration  *prometheus.HistogramVec
	UsageSnapshots    *prometheus.CounterVec
	ResyncRuns        *prometheus.CounterVec
	Breaker           *clients.CircuitBreakerMetrics
}

// NewMetrics creates the domain metrics on mc.
func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		Reconciles:        mc.NewCounter("reconcile_total", "Billing record reconciliations", []string{"trigger", "result"}),
		SignatureFailures: mc.NewCounter("webhook_signature_failures_total", "Webhook deliveries rejected for a bad signature", []string{"provider"}),
		ProviderDuration:  mc.NewHistogram("provider_request_duration_seconds", "Payment provider request latency", []string{"operation"}, nil),
		UsageSnapshots:    mc.NewCounter("usage_snapshots_total", "Usage snapshots computed", []string{"result"}),
		ResyncRuns:        mc.NewCounter("resync_job_runs_total", "Background resync passes", []string{"result"}),
		Breaker:           clients.NewCircuitBreakerMetrics(mc.Registry()),
	}
}

// Core holds the wired billing components.
type Core struct {
	DB         *sql.DB
	Store      *store.Store
	Catalog    *plans.Catalog
	Stripe     *stripe.Client
	Breaker    *clients.CircuitBreaker
	Reconciler *reconcile.Reconciler
	Meter      *usage.Meter
	EventLog   store.EventLog
	Redis      goredis.UniversalClient
	Kafka      *kafka.Producer
	Metrics    *Metrics

	closers []func()
}

// Open connects to the database and, when configured, Redis and Kafka,
// then wires the reconciler and meter. A configured Redis or Kafka that
// cannot be reached fails Open.
func Open(ctx context.Context, s Settings, mc *monitoring.MetricsCollector, logger logging.Logger) (*Core, error) {
	c := &Core{Metrics: NewMetrics(mc)}

	catalog, err := plans.LoadFile(s.PlanCatalogPath)
	if err != nil {
		return nil, err
	}
	c.Catalog = catalog

	dbCfg := database.DefaultConfig()
	dbCfg.URL = s.DatabaseURL
	db, err := database.Connect(dbCfg, logger)
	if err != nil {
		return nil, err
	}
	c.DB = db
	c.onClose(func() { _ = db.Close() })

	c.Store = store.New(db, logger)
	if err := c.Store.EnsureSchema(ctx); err != nil {
		c.Close()
		return nil, err
	}

	c.Breaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:          stripe.ProviderName,
		IsFailure:     stripe.IsBreakerFailure,
		Logger:        logger,
		OnStateChange: c.Metrics.Breaker.Callback(),
	})
	c.Stripe = stripe.NewClient(stripe.Config{
		SecretKey:         s.StripeSecretKey,
		WebhookSecret:     s.StripeWebhookSecret,
		APIURL:            s.StripeAPIURL,
		Timeout:           s.ProviderTimeout,
		MaxNetworkRetries: int64(s.StripeMaxRetries),
		Breaker:           c.Breaker,
		RequestDuration:   c.Metrics.ProviderDuration,
		Logger:            logger,
	})

	var publishers []events.Publisher

	c.EventLog = store.NewPostgresEventLog(db)
	if s.RedisEnabled {
		rc, err := redis.NewUniversalClient(ctx, s.Redis)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Redis = rc
		c.onClose(func() { _ = rc.Close() })
		c.EventLog = store.NewRedisEventLog(rc, s.EventTTL)

		pubsub := redis.NewTypedPubSub[events.SubscriptionChanged](rc, logger)
		publishers = append(publishers, events.NewRedisPublisher(pubsub, EventsChannel))
		logger.WithField("addrs", s.Redis.Addrs).Info("Redis webhook event log enabled")
	}

	if len(s.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:  s.KafkaBrokers,
			ClientID: ServiceName,
		}, logger)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		c.Kafka = producer
		c.onClose(producer.Close)
		publishers = append(publishers, events.NewKafkaPublisher(producer, s.EventsTopic))
		logger.WithField("topic", s.EventsTopic).Info("Publishing subscription events to Kafka")
	}

	var publisher events.Publisher = events.Noop{}
	if len(publishers) > 0 {
		publisher = events.NewValidated(events.NewFanout(publishers...))
	}

	c.Reconciler = reconcile.New(reconcile.Config{
		Store:      c.Store,
		Provider:   c.Stripe,
		Plans:      catalog,
		Publisher:  publisher,
		Logger:     logger,
		Reconciles: c.Metrics.Reconciles,
	})
	c.Meter = usage.NewMeter(c.Store, catalog, s.UsageRounding, logger, c.Metrics.UsageSnapshots)

	return c, nil
}

func (c *Core) onClose(fn func()) {
	c.closers = append(c.closers, fn)
}

// Close releases connections in reverse order of opening.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// AddHealthChecks registers the database and any optional dependency.
// Redis and Kafka only degrade health.
func (c *Core) AddHealthChecks(hc *monitoring.HealthChecker) {
	hc.AddCheck("database", monitoring.DatabaseHealthCheck(c.DB))
	if c.Redis != nil {
		hc.AddCheck("redis", monitoring.DegradedOnFailure(monitoring.PingHealthCheck("redis", monitoring.PingFunc(func(ctx context.Context) error {
			return c.Redis.Ping(ctx).Err()
		}))))
	}
	if c.Kafka != nil {
		hc.AddCheck("kafka", monitoring.DegradedOnFailure(monitoring.PingHealthCheck("kafka", c.Kafka)))
	}
}
