package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"loyaltycore/pkg/config"
	"loyaltycore/pkg/db"
	"loyaltycore/pkg/health"
	"loyaltycore/pkg/logger"
	"loyaltycore/pkg/otelcol"
	"loyaltycore/pkg/profiling"
	"loyaltycore/pkg/redis"
	"loyaltycore/pkg/sequence"
	"loyaltycore/pkg/server"
	"loyaltycore/services/billing"
)

func main() {
	configModule := config.Module
	if _, ok := os.LookupEnv("REMOTE_CONFIG_PROVIDER"); ok {
		configModule = config.RemoteModule
	}

	opts := []fx.Option{
		configModule,
		logger.Module,
		db.Module,
		redis.Module,
		sequence.Module,
		otelcol.Module,
		profiling.Module,
		server.ProvideHTTPServer,
		health.Module,
		billing.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
