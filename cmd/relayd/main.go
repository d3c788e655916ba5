// Command relayd runs a standalone relay node: it delivers scheduled events
// from the Postgres schedule to RabbitMQ, recovers unconfirmed entries, and
// deduplicates inbound deliveries. Handlers live in applications embedding
// the library; relayd itself registers none.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	amqpbroker "github.com/quillstone/relay/amqp"
	"github.com/quillstone/relay/config"
	"github.com/quillstone/relay/core/lifespan"
	"github.com/quillstone/relay/core/registry"
	"github.com/quillstone/relay/lib/telemetry"
	"github.com/quillstone/relay/observability"
	"github.com/quillstone/relay/postgres"
	"github.com/quillstone/relay/postgres/migrations"
)

const (
	defaultConfigPath        = "config/relay.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to the relay configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "relayd ", log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	settings, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if settings.Postgres.DSN == "" || settings.AMQP.URL == "" {
		logger.Fatal("relayd needs both postgres.dsn and amqp.url configured")
	}

	_, telemetryShutdown, err := telemetry.Init(ctx, settings.Telemetry)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	if err := migrations.Apply(ctx, settings.Postgres.DSN); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}

	poolCfg, err := pgxpool.ParseConfig(settings.Postgres.DSN)
	if err != nil {
		logger.Fatalf("parse postgres dsn: %v", err)
	}
	if settings.Postgres.PoolSize > 0 {
		poolCfg.MaxConns = int32(settings.Postgres.PoolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatalf("open postgres pool: %v", err)
	}
	defer pool.Close()

	store := postgres.New(pool, settings.ClaimDuration)

	broker, err := amqpbroker.Dial(ctx, settings.AMQP)
	if err != nil {
		logger.Fatalf("connect broker: %v", err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Printf("broker close: %v", err)
		}
	}()

	logger.Printf("relayd started: exchange=%s queue=%s claim=%s",
		settings.AMQP.Exchange, settings.AMQP.Queue, settings.ClaimDuration)

	err = lifespan.Run(ctx, lifespan.Components{
		Registry:           registry.New(),
		Broker:             broker,
		Guard:              store,
		Schedule:           store,
		PayloadBuffer:      settings.Streams.PayloadBuffer,
		ConfirmationBuffer: settings.Streams.ConfirmationBuffer,
	})
	if err != nil {
		logger.Printf("relay stopped with errors: %v", err)
	}
	logger.Print("relayd shut down")
}
