package app

import (
	"github.com/manav2701/Aperture/internal/approval"
	"github.com/manav2701/Aperture/internal/audit"
	"github.com/manav2701/Aperture/internal/gate"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/ledger"
	"github.com/manav2701/Aperture/internal/lifecycle"
	"github.com/manav2701/Aperture/internal/policy"
	"github.com/manav2701/Aperture/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Core: компоненты ядра поверх Stores.
type Core struct {
	Clock     infra.Clock
	Policies  *policy.Registry
	Approvals *approval.Registry
	Lifecycle *lifecycle.Controller
	Ledger    *ledger.Ledger
	Trail     *audit.Trail
	Gate      *gate.Gate
	Sessions  *session.Registry
}

// NewCore собирает ядро. exporter может быть nil, reg тоже (метрики в отдельный реестр).
func NewCore(cfg *infra.Config, st *Stores, clock infra.Clock, exporter audit.Exporter, reg prometheus.Registerer, logger *zap.Logger) *Core {
	var signaler lifecycle.Signaler
	if st.Redis != nil {
		signaler = lifecycle.NewRedisSignaler(st.Redis)
	}

	c := &Core{Clock: clock}
	c.Policies = policy.NewRegistry(st.Policies, cfg.Auth.Admins, clock, logger)
	c.Approvals = approval.NewRegistry(st.Approvals, c.Policies, clock, logger)
	c.Lifecycle = lifecycle.NewController(st.Lifecycle, c.Policies, signaler, clock, logger)
	c.Ledger = ledger.New(st.Ledger, c.Policies, ledger.Config{
		ReservationTTL:   cfg.Ledger.ReservationTTL,
		SweepBatch:       cfg.Ledger.SweepBatch,
		CounterRetention: cfg.Ledger.CounterTTL,
	}, logger)
	c.Trail = audit.NewTrail(st.Audit, exporter, logger)
	c.Gate = gate.New(c.Policies, c.Lifecycle, c.Approvals, c.Ledger, c.Trail, gate.NewMetrics(reg), logger)
	c.Sessions = session.NewRegistry(st.Sessions, c.Policies, clock, logger)
	c.Gate.ObserveSpend(c.Sessions)
	return c
}

// Sweeper: фоновое закрытие истекших резервов (с аудитом) и GC старых счетчиков.
func (c *Core) Sweeper(cfg *infra.Config, logger *zap.Logger) *ledger.Sweeper {
	return ledger.NewSweeper(c.Gate.Sweep, c.Ledger.PurgeStale, c.Clock, cfg.Ledger.SweepInterval, logger)
}
