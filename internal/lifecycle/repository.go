package lifecycle

import (
	"context"
	"sort"
	"sync"

	"github.com/manav2701/Aperture/internal/domain"
)

// Repository: хранилище состояний агентов. Отсутствующая запись означает Active.
type Repository interface {
	Get(ctx context.Context, agentID string) (domain.LifecycleState, error)
	// CompareAndSwap меняет состояние, только если текущее равно expected. false: проиграли гонку.
	CompareAndSwap(ctx context.Context, expected domain.LifecycleState, next domain.AgentStatus) (bool, error)
	// ListByState: агенты в состоянии (прогрев кэша шлюза).
	ListByState(ctx context.Context, state domain.LifecycleState) ([]string, error)
}

// MemoryRepository: in-memory состояния.
type MemoryRepository struct {
	mu     sync.RWMutex
	states map[string]domain.AgentStatus
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]domain.AgentStatus)}
}

func (r *MemoryRepository) Get(_ context.Context, agentID string) (domain.LifecycleState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.states[agentID]; ok {
		return st.State, nil
	}
	return domain.StateActive, nil
}

func (r *MemoryRepository) CompareAndSwap(_ context.Context, expected domain.LifecycleState, next domain.AgentStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := domain.StateActive
	if st, ok := r.states[next.AgentID]; ok {
		cur = st.State
	}
	if cur != expected {
		return false, nil
	}
	r.states[next.AgentID] = next
	return true, nil
}

func (r *MemoryRepository) ListByState(_ context.Context, state domain.LifecycleState) ([]string, error) {
	r.mu.RLock()
	out := make([]string, 0)
	for id, st := range r.states {
		if st.State == state {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out, nil
}
