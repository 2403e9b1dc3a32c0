package service

import (
	"context"
	"sync"

	"github.com/manav2701/Aperture/internal/domain"
)

// MemoryUserRepository: пользователи в памяти (локальный запуск и тесты).
type MemoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*domain.User // по username
}

func NewMemoryUserRepository() *MemoryUserRepository {
	return &MemoryUserRepository{users: make(map[string]*domain.User)}
}

func (r *MemoryUserRepository) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (r *MemoryUserRepository) CreateUser(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.Username]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *u
	r.users[u.Username] = &cp
	return nil
}
