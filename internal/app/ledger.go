package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/buildora/buildora/internal/inventory"
	"github.com/buildora/buildora/internal/masterdata"
	"github.com/buildora/buildora/internal/shared"
)

// LedgerDeps are the live connections the ledger service runs on.
type LedgerDeps struct {
	Pool    *pgxpool.Pool
	Redis   redis.UniversalClient
	Logger  *slog.Logger
	Metrics inventory.Recorder
}

// NewLedgerService wires the PostgreSQL store, master data registry, audit
// log and notifier into an inventory.Service. Notifications are disabled when
// no Redis client is given or the process runs in test mode.
func NewLedgerService(cfg *Config, deps LedgerDeps) *inventory.Service {
	store := inventory.NewRepository(deps.Pool, inventory.RepositoryConfig{
		LockTimeout:     cfg.LedgerLockTimeout,
		HistoryPageSize: cfg.LedgerHistoryPageSize,
	})
	registry := masterdata.NewRegistry(deps.Pool)

	var notifier inventory.Notifier
	if deps.Redis != nil && !InTestMode() {
		notifier = inventory.NewRedisNotifier(deps.Redis, cfg.LedgerNotifyChannel)
	}

	return inventory.NewService(store, registry, registry, shared.NewAuditLogger(deps.Pool), notifier, inventory.ServiceConfig{
		StorageFailureThreshold: cfg.LedgerStorageFailureThreshold,
		Logger:                  deps.Logger,
		Metrics:                 deps.Metrics,
	})
}
