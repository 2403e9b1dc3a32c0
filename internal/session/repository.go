package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/manav2701/Aperture/internal/domain"
)

// Repository: хранилище сессий.
type Repository interface {
	Insert(ctx context.Context, s *domain.Session) error
	// Get возвращает nil, nil если сессии нет.
	Get(ctx context.Context, id string) (*domain.Session, error)
	// ListByAgent: новые первыми.
	ListByAgent(ctx context.Context, agentID string) ([]*domain.Session, error)
	// End закрывает сессию. Повторный End: no-op. ErrNotFound для неизвестного id.
	End(ctx context.Context, id string, now time.Time) (*domain.Session, error)
	// Charge атомарно учитывает расход во всех открытых на now сессиях агента.
	Charge(ctx context.Context, agentID string, asset domain.Asset, amount uint64, now time.Time) (int, error)
	CountActive(ctx context.Context, now time.Time) (int64, error)
}

// MemoryRepository: in-memory сессии.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*domain.Session)}
}

func (r *MemoryRepository) Insert(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].Clone(), nil
}

func (r *MemoryRepository) ListByAgent(_ context.Context, agentID string) ([]*domain.Session, error) {
	r.mu.Lock()
	out := make([]*domain.Session, 0)
	for _, s := range r.sessions {
		if s.AgentID == agentID {
			out = append(out, s.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *MemoryRepository) End(_ context.Context, id string, now time.Time) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if s.Active {
		s.Active = false
		s.UpdatedAt = now
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) Charge(_ context.Context, agentID string, asset domain.Asset, amount uint64, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.AgentID == agentID && s.Open(now) {
			s.Charge(asset, amount, now)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) CountActive(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.sessions {
		if s.Open(now) {
			n++
		}
	}
	return n, nil
}
