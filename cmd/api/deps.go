package main

import (
	"context"
	"fmt"
	"log"

	"ledgersync/internal/app"
	"ledgersync/internal/domain/webhook"
	"ledgersync/internal/infrastructure/archive"
	httphandlers "ledgersync/internal/interfaces/http"
	"ledgersync/internal/interfaces/scheduler"
	"ledgersync/internal/shared/auth"
	"ledgersync/internal/shared/config"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	Engine *app.Engine

	// Background work
	Pool       *scheduler.WorkerPool
	Dispatcher *scheduler.Dispatcher
	Scheduler  *scheduler.Scheduler // nil when disabled
	Receiver   *webhook.Receiver

	// Handlers
	ItemHandler    *httphandlers.ItemHandler
	WebhookHandler *httphandlers.WebhookHandler
	DeviceHandler  *httphandlers.DeviceHandler

	// Auth
	JWT *auth.JWT
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	engine, err := app.NewEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Webhook and scheduled syncs share one pool
	pool := scheduler.NewWorkerPool(
		cfg.Scheduler.WorkerCount,
		cfg.Scheduler.JobDelay,
		cfg.Scheduler.QueueSize,
		cfg.Scheduler.JobTimeout,
	)
	dispatcher := scheduler.NewDispatcher(pool, engine.Orchestrator)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.NewScheduler(scheduler.Config{
			ScheduleTimes: cfg.Scheduler.ScheduleTimes,
			RunOnStartup:  cfg.Scheduler.RunOnStartup,
			JobProvider:   scheduler.ScheduledJobs(engine.Items, dispatcher),
		}, pool)
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
		}
	} else {
		log.Println("Scheduler is disabled")
	}

	schema, err := webhook.NewSchema()
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("failed to compile webhook schema: %w", err)
	}
	verifier := webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.MaxAge)
	if !verifier.Enabled() {
		log.Println("Warning: WEBHOOK_SECRET not set, webhook signatures are not checked")
	}

	var archiver webhook.Archiver
	if cfg.Archive.Enabled() {
		s3Archive, err := archive.NewS3Archive(ctx, archive.Options{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
			UsePathStyle:    cfg.Archive.UsePathStyle,
			Prefix:          cfg.Archive.Prefix,
		})
		if err != nil {
			engine.Close()
			return nil, fmt.Errorf("failed to initialize webhook archive: %w", err)
		}
		archiver = s3Archive
		log.Printf("Archiving webhooks to s3://%s/%s", cfg.Archive.Bucket, cfg.Archive.Prefix)
	}

	receiver := webhook.NewReceiver(verifier, schema, dispatcher, engine.Orchestrator, archiver)

	return &Dependencies{
		Engine:         engine,
		Pool:           pool,
		Dispatcher:     dispatcher,
		Scheduler:      sched,
		Receiver:       receiver,
		ItemHandler:    httphandlers.NewItemHandler(engine.Items, engine.Provider, engine.Orchestrator, engine.Status, dispatcher, cfg.Sync.FanoutLimit),
		WebhookHandler: httphandlers.NewWebhookHandler(receiver),
		DeviceHandler:  httphandlers.NewDeviceHandler(engine.Notifications),
		JWT:            auth.NewJWT(cfg.JWT.Secret),
	}, nil
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Engine != nil {
		d.Engine.Close()
	}
}
