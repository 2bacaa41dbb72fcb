package main

import (
	"context"

	"github.com/RickSF09/eva-sub001/internal/app"
	"github.com/RickSF09/eva-sub001/internal/handlers"
	"github.com/RickSF09/eva-sub001/internal/jobs"
	"github.com/RickSF09/eva-sub001/internal/stripe"
	"github.com/RickSF09/eva-sub001/pkg/auth"
	"github.com/RickSF09/eva-sub001/pkg/config"
	"github.com/RickSF09/eva-sub001/pkg/logging"
	"github.com/RickSF09/eva-sub001/pkg/middleware"
	"github.com/RickSF09/eva-sub001/pkg/monitoring"
	"github.com/RickSF09/eva-sub001/pkg/server"
	"github.com/RickSF09/eva-sub001/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService(app.ServiceName)
	config.LoadEnv(logger)

	logger.WithField("version", version.String()).Info("Starting tally (billing reconciliation)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	stripeKey := config.RequireEnv("STRIPE_SECRET_KEY")

	settings, err := app.LoadSettings()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthChecker := monitoring.NewHealthChecker(app.ServiceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(app.ServiceName, version.Version, version.GitCommit)

	core, err := app.Open(ctx, settings, metricsCollector, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize billing core")
	}
	defer core.Close()

	core.AddHealthChecks(healthChecker)
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":      dbURL,
		"JWT_SECRET":        jwtSecret,
		"STRIPE_SECRET_KEY": stripeKey,
	}))
	logger.WithField("checks", healthChecker.Names()).Info("Health checks registered")
	if !core.Stripe.WebhookConfigured() {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be rejected")
	}

	if settings.ResyncEnabled {
		jobManager := jobs.NewJobManager(core.Store, core.Reconciler, jobs.Config{
			Interval: settings.ResyncInterval,
			Grace:    settings.ResyncGrace,
			Runs:     core.Metrics.ResyncRuns,
		}, logger)
		jobManager.Start(ctx)
		defer jobManager.Stop()
	} else {
		logger.Info("Background resync disabled")
	}

	h := handlers.New(handlers.Config{
		Reconciler:        core.Reconciler,
		Verifier:          core.Stripe,
		Meter:             core.Meter,
		Records:           core.Store,
		EventLog:          core.EventLog,
		Provider:          stripe.ProviderName,
		SignatureFailures: core.Metrics.SignatureFailures,
		Logger:            logger,
	})

	router := server.SetupServiceRouter(logger, app.ServiceName, healthChecker, metricsCollector)
	router.Use(middleware.DeadlineMiddleware(settings.RequestTimeout))
	h.RegisterRoutes(router, auth.JWTAuthMiddleware([]byte(jwtSecret)), settings.ServiceToken)

	serverConfig := server.DefaultConfig(app.ServiceName, settings.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
