// Package app wires the synchronization engine from configuration. It is
// shared by the API server and the admin CLI.
package app

import (
	"context"
	"fmt"
	"log"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/ledger"
	"ledgersync/internal/domain/notification"
	"ledgersync/internal/domain/openfinance"
	"ledgersync/internal/infrastructure/crypto"
	"ledgersync/internal/infrastructure/firebase"
	"ledgersync/internal/infrastructure/memory"
	ofclient "ledgersync/internal/infrastructure/openfinance"
	"ledgersync/internal/infrastructure/postgres"
	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/messages"
)

// Engine holds the storage, provider client and sync services.
type Engine struct {
	DB *postgres.DB // nil with in-memory storage

	Items  item.Repository
	Ledger ledger.Repository
	Tokens notification.TokenRepository

	Provider      *ofclient.Client
	Notifications *notification.Service
	Locks         *openfinance.LockRegistry
	Orchestrator  *openfinance.Orchestrator
	Status        *openfinance.StatusReporter
}

// NewEngine connects storage and builds the sync services.
func NewEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	e := &Engine{}

	switch cfg.Database.Driver {
	case config.StorageMemory:
		store := memory.NewStore()
		e.Items, e.Ledger, e.Tokens = store, store, store
		log.Println("Using in-memory storage (data is lost on restart)")

	default:
		db, err := postgres.New(cfg.Database.ConnectionString())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		e.DB = db
		log.Println("Connected to database")

		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, db); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
		}

		e.Items = postgres.NewItemRepository(db, encryptor)
		e.Ledger = postgres.NewLedgerRepository(db)
		e.Tokens = postgres.NewDeviceTokenRepository(db)
	}

	e.Provider = ofclient.NewClient(ofclient.Options{
		BaseURL:   cfg.Provider.BaseURL,
		ClientID:  cfg.Provider.ClientID,
		Secret:    cfg.Provider.Secret,
		Timeout:   cfg.Provider.Timeout,
		RateLimit: cfg.Provider.RateLimit,
		Burst:     cfg.Provider.Burst,
		PageSize:  cfg.Provider.PageSize,
	})

	notifications, err := newNotificationService(ctx, cfg, e.Tokens)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Notifications = notifications

	e.Locks = openfinance.NewLockRegistry()
	e.Orchestrator = openfinance.NewOrchestrator(
		e.Items,
		e.Provider,
		ledger.NewUpserter(e.Ledger),
		e.Locks,
		e.Notifications,
		openfinance.Config{
			SettleInterval: cfg.Sync.SettleInterval,
			RetryBase:      cfg.Sync.RetryBase,
			MaxAttempts:    cfg.Sync.MaxAttempts,
		},
	)
	e.Status = openfinance.NewStatusReporter(e.Items, e.Locks)

	return e, nil
}

func newNotificationService(ctx context.Context, cfg *config.Config, tokens notification.TokenRepository) (*notification.Service, error) {
	msgs, err := messages.Load(cfg.Firebase.MessagesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification messages: %w", err)
	}

	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, tokens.DeactivateToken)
		if err != nil {
			log.Printf("Warning: Failed to initialize Firebase, re-link pushes disabled: %v", err)
		} else {
			messenger = fcm
			log.Println("Firebase Cloud Messaging enabled")
		}
	}

	return notification.NewService(tokens, messenger).WithMessages(msgs), nil
}

// Close releases the database pool.
func (e *Engine) Close() {
	if e.DB != nil {
		e.DB.Close()
	}
}
