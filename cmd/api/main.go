package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/telemetry"
)

const shutdownTimeout = 30 * time.Second

var Version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			Environment:    cfg.Provider.Environment,
			StorageDriver:  cfg.Database.Driver,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			MetricsPort:    cfg.Telemetry.MetricsPort,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				log.Printf("Error shutting down telemetry: %v", err)
			}
		}()
		log.Printf("Telemetry enabled (metrics on :%s)", cfg.Telemetry.MetricsPort)
	}

	deps, err := NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.Telemetry.Enabled {
		unregister, err := telemetry.RegisterGauges(telemetry.Gauges{
			QueuedJobs:   deps.Pool.QueueLen,
			RunsInFlight: func() int { return len(deps.Engine.Locks.Active()) },
		})
		if err != nil {
			return err
		}
		defer unregister()
	}

	deps.Pool.Start()
	if deps.Scheduler != nil {
		deps.Scheduler.Start()
	}

	handler := SetupRoutes(deps, cfg)
	srv, redirectSrv := StartServers(NewServerConfigFromConfig(handler, cfg))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	GracefulShutdown(srv, redirectSrv, deps, shutdownTimeout)
	return nil
}
