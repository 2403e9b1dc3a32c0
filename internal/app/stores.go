// Package app собирает хранилища и ядро Aperture из конфигурации (общее для gateway, console и aperturectl).
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/manav2701/Aperture/internal/approval"
	"github.com/manav2701/Aperture/internal/audit"
	"github.com/manav2701/Aperture/internal/console/service"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/ledger"
	"github.com/manav2701/Aperture/internal/lifecycle"
	"github.com/manav2701/Aperture/internal/policy"
	"github.com/manav2701/Aperture/internal/repository/postgres"
	"github.com/manav2701/Aperture/internal/repository/redisstore"
	"github.com/manav2701/Aperture/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Stores: все хранилища процесса.
// Control Plane (политики, апрувы, lifecycle, пользователи) и журнал лежат в Postgres, если задан database.url,
// иначе в памяти. Ledger выбирается отдельно через ledger.store.
type Stores struct {
	Policies  policy.Repository
	Approvals approval.Repository
	Lifecycle lifecycle.Repository
	Ledger    ledger.Store
	Audit     audit.Store
	Users     service.UserRepository
	Sessions  session.Repository

	DB    *sql.DB       // nil без database.url
	Redis *redis.Client // nil, если Redis не настроен или недоступен в режиме memory
}

// OpenStores подключается к нужным бэкендам. Close освобождает соединения.
func OpenStores(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (*Stores, error) {
	st := &Stores{}

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		st.DB = db
		st.Policies = postgres.NewPolicyRepo(db)
		st.Approvals = postgres.NewApprovalRepo(db)
		st.Lifecycle = postgres.NewAgentRepo(db)
		st.Audit = postgres.NewAuditRepo(db)
		st.Users = postgres.NewUserRepo(db)
		st.Sessions = postgres.NewSessionRepo(db)
	} else {
		st.Policies = policy.NewMemoryRepository()
		st.Approvals = approval.NewMemoryRepository()
		st.Lifecycle = lifecycle.NewMemoryRepository()
		st.Audit = audit.NewMemoryStore()
		st.Users = service.NewMemoryUserRepository()
		st.Sessions = session.NewMemoryRepository()
	}

	rdb, err := connectRedis(ctx, cfg.Redis)
	switch {
	case err != nil && cfg.Ledger.Store == infra.StoreRedis:
		st.Close()
		return nil, err
	case err != nil:
		// Без Redis шлюз работает одним инстансом: сигналы lifecycle не рассылаются
		logger.Warn("redis unavailable, lifecycle signals disabled", zap.Error(err))
	default:
		st.Redis = rdb
	}

	switch cfg.Ledger.Store {
	case infra.StorePostgres:
		st.Ledger = postgres.NewLedgerStore(st.DB)
	case infra.StoreRedis:
		st.Ledger = redisstore.NewLedgerStore(st.Redis)
	default:
		st.Ledger = ledger.NewMemoryStore()
	}

	logger.Info("stores opened",
		zap.String("ledger_store", cfg.Ledger.Store),
		zap.Bool("postgres", st.DB != nil),
		zap.Bool("redis", st.Redis != nil),
	)
	return st, nil
}

func connectRedis(ctx context.Context, cfg infra.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: addr is not configured")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func (s *Stores) Close() {
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
}
