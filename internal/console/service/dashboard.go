package service

import (
	"context"
	"fmt"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra"
)

const recentPayments = 10

// StateReader: текущее состояние агента.
type StateReader interface {
	CurrentState(ctx context.Context, agentID string) (domain.LifecycleState, error)
}

// SessionCounter: открытые сессии (session.Registry).
type SessionCounter interface {
	List(ctx context.Context, agentID string) ([]*domain.Session, error)
	CountActive(ctx context.Context) (int64, error)
}

// DashboardService считает сводку за текущий день по журналу. Администратор видит всех агентов,
// владелец только своих.
type DashboardService struct {
	audit     AuditReader
	policies  *PolicyService
	lifecycle StateReader
	sessions  SessionCounter
	clock     infra.Clock
}

// sessions может быть nil: тогда active_sessions всегда 0.
func NewDashboardService(audit AuditReader, policies *PolicyService, lc StateReader, sessions SessionCounter, clock infra.Clock) *DashboardService {
	return &DashboardService{audit: audit, policies: policies, lifecycle: lc, sessions: sessions, clock: clock}
}

func (s *DashboardService) Stats(ctx context.Context) (*domain.DashboardStats, error) {
	now := s.clock.Now()
	day := domain.CalendarDay(now)
	dayStart, err := time.Parse(domain.DayKeyLayout, day)
	if err != nil {
		return nil, err
	}

	policies, err := s.policies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: list policies: %w", err)
	}
	visible := make(map[string]struct{}, len(policies))
	stats := &domain.DashboardStats{
		DayKey:       day,
		SpentToday:   make(map[domain.Asset]uint64),
		BlockReasons: make(map[domain.Reason]int64),
		Recent:       []*domain.PaymentRecord{},
	}
	for _, p := range policies {
		visible[p.AgentID] = struct{}{}
		state, err := s.lifecycle.CurrentState(ctx, p.AgentID)
		if err != nil {
			return nil, fmt.Errorf("service: load lifecycle: %w", err)
		}
		if state == domain.StateActive {
			stats.ActivePolicies++
		}
	}

	admin := s.policies.IsAdmin(ctx)
	if stats.ActiveSessions, err = s.countSessions(ctx, policies, admin, now); err != nil {
		return nil, err
	}

	records, err := s.audit.List(ctx, domain.RecordFilter{Since: dayStart, Until: dayStart.AddDate(0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("service: list records: %w", err)
	}
	for _, r := range records {
		if _, ok := visible[r.AgentID]; !ok && !admin {
			continue
		}
		switch r.Stage {
		case domain.StageSuccess:
			stats.PaymentsToday++
			if sum, ok := domain.AddUint64(stats.SpentToday[r.Asset], r.Amount); ok {
				stats.SpentToday[r.Asset] = sum
			}
		case domain.StageEvaluate:
			stats.BlockedToday++
			stats.BlockReasons[r.Reason]++
		}
		if len(stats.Recent) < recentPayments {
			stats.Recent = append(stats.Recent, r)
		}
	}
	return stats, nil
}

func (s *DashboardService) countSessions(ctx context.Context, policies []*domain.Policy, admin bool, now time.Time) (int64, error) {
	if s.sessions == nil {
		return 0, nil
	}
	if admin {
		n, err := s.sessions.CountActive(ctx)
		if err != nil {
			return 0, fmt.Errorf("service: count sessions: %w", err)
		}
		return n, nil
	}
	var n int64
	for _, p := range policies {
		list, err := s.sessions.List(ctx, p.AgentID)
		if err != nil {
			return 0, fmt.Errorf("service: list sessions: %w", err)
		}
		for _, sess := range list {
			if sess.Open(now) {
				n++
			}
		}
	}
	return n, nil
}
