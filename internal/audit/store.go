package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/manav2701/Aperture/internal/domain"
)

// Store: append-only журнал PaymentRecord.
type Store interface {
	Append(ctx context.Context, rec *domain.PaymentRecord) error
	// FindSettlement: запись, закрывшая резерв (success/failure/expired). nil, nil если нет.
	FindSettlement(ctx context.Context, reservationID string) (*domain.PaymentRecord, error)
	// List: записи по фильтру, новые первыми.
	List(ctx context.Context, f domain.RecordFilter) ([]*domain.PaymentRecord, error)
}

// MemoryStore: in-memory журнал.
type MemoryStore struct {
	mu          sync.RWMutex
	records     []*domain.PaymentRecord
	settlements map[string]*domain.PaymentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settlements: make(map[string]*domain.PaymentRecord)}
}

func (s *MemoryStore) Append(_ context.Context, rec *domain.PaymentRecord) error {
	cp := *rec
	s.mu.Lock()
	defer s.mu.Unlock()
	if cp.ReservationID != "" && cp.Stage != domain.StageEvaluate {
		if _, ok := s.settlements[cp.ReservationID]; ok {
			return domain.ErrAlreadyExists
		}
		s.settlements[cp.ReservationID] = &cp
	}
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) FindSettlement(_ context.Context, reservationID string) (*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.settlements[reservationID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, f domain.RecordFilter) ([]*domain.PaymentRecord, error) {
	s.mu.RLock()
	out := make([]*domain.PaymentRecord, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		if f.Match(s.records[i]) {
			cp := *s.records[i]
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*domain.PaymentRecord{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
