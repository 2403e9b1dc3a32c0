package approval

import (
	"context"
	"sort"
	"sync"

	"github.com/manav2701/Aperture/internal/domain"
)

// Repository: allow-list сервисов и фасилитаторов. Put: upsert по (agent, kind, identifier).
type Repository interface {
	Put(ctx context.Context, e domain.ApprovalEntry) error
	// Get возвращает false для отсутствующей записи.
	Get(ctx context.Context, agentID string, kind domain.ApprovalKind, identifier string) (bool, error)
	List(ctx context.Context, agentID string, kind domain.ApprovalKind) ([]domain.ApprovalEntry, error)
}

type entryKey struct {
	agentID    string
	kind       domain.ApprovalKind
	identifier string
}

// MemoryRepository: in-memory allow-list.
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[entryKey]domain.ApprovalEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[entryKey]domain.ApprovalEntry)}
}

func (r *MemoryRepository) Put(_ context.Context, e domain.ApprovalEntry) error {
	r.mu.Lock()
	r.entries[entryKey{e.AgentID, e.Kind, e.Identifier}] = e
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, agentID string, kind domain.ApprovalKind, identifier string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[entryKey{agentID, kind, identifier}].Approved, nil
}

func (r *MemoryRepository) List(_ context.Context, agentID string, kind domain.ApprovalKind) ([]domain.ApprovalEntry, error) {
	r.mu.RLock()
	out := make([]domain.ApprovalEntry, 0)
	for k, e := range r.entries {
		if k.agentID == agentID && (kind == "" || k.kind == kind) {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Identifier < out[j].Identifier
	})
	return out, nil
}
