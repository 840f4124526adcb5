package main

import (
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"loyaltycore/pkg/config"
	"loyaltycore/pkg/db"
	"loyaltycore/pkg/logger"
	"loyaltycore/pkg/otelcol"
	"loyaltycore/pkg/redis"
	"loyaltycore/pkg/task"
	"loyaltycore/services/points"
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
		task.Client,
		task.Server,
		otelcol.Module,
		fx.Provide(
			provideSnowflakeNode,
			points.NewService,
		),
		points.TaskModule,
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

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
