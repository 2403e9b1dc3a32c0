package policy

import (
	"context"
	"sort"
	"sync"

	"github.com/manav2701/Aperture/internal/domain"
)

// Repository: хранилище политик. Insert атомарен по agent_id (ErrAlreadyExists при гонке двух create).
type Repository interface {
	Insert(ctx context.Context, p *domain.Policy) error
	Update(ctx context.Context, p *domain.Policy) error
	// Get возвращает nil, nil если политики нет.
	Get(ctx context.Context, agentID string) (*domain.Policy, error)
	List(ctx context.Context) ([]*domain.Policy, error)
}

// MemoryRepository: потокобезопасная мапа политик. Используется в тестах и в режиме ledger.store=memory.
type MemoryRepository struct {
	mu sync.RWMutex
	// Кэш: agent_id -> Policy
	policies map[string]*domain.Policy
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{policies: make(map[string]*domain.Policy)}
}

func (r *MemoryRepository) Insert(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.policies[p.AgentID]; ok {
		return domain.ErrAlreadyExists
	}
	r.policies[p.AgentID] = p.Clone()
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, p *domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.policies[p.AgentID]
	if !ok {
		return domain.ErrNotFound
	}
	next := p.Clone()
	next.OwnerID = cur.OwnerID // owner_id неизменяем
	next.CreatedAt = cur.CreatedAt
	r.policies[p.AgentID] = next
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, agentID string) (*domain.Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies[agentID].Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*domain.Policy, error) {
	r.mu.RLock()
	out := make([]*domain.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
