package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra/auth"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// UserRepository: хранилище владельцев (Postgres или память).
type UserRepository interface {
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	CreateUser(ctx context.Context, u *domain.User) error
}

// AuthService выпускает токены консоли и сам же их проверяет (auth.TokenValidator).
type AuthService struct {
	*auth.BaseValidator
	repo   UserRepository
	issuer *auth.Issuer
	ttl    time.Duration
	cost   int
}

func NewAuthService(repo UserRepository, validator *auth.BaseValidator, issuer *auth.Issuer, ttl time.Duration, bcryptCost int) *AuthService {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{
		BaseValidator: validator,
		repo:          repo,
		issuer:        issuer,
		ttl:           ttl,
		cost:          bcryptCost,
	}
}

func (s *AuthService) GenerateToken(ctx context.Context, username, password string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil || user == nil {
		return nil, ErrInvalidCredentials
	}

	// 2. Проверка пароля (используем bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	// 3. Подпись токена ЗАКРЫТЫМ КЛЮЧОМ (RS256). Scopes берем из прав пользователя
	signed, err := s.issuer.Issue(user.ID, user.Scopes, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.ttl.Seconds()),
	}, nil
}

// Register заводит пользователя. Пустой id: сгенерируется; для агентов id совпадает с agent_id.
func (s *AuthService) Register(ctx context.Context, id, username, password string, scopes map[string]bool) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", domain.ErrInvalidArgument)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	if id == "" {
		id = uuid.NewString()
	}

	u := &domain.User{
		ID:           id,
		Username:     username,
		PasswordHash: string(hash),
		Scopes:       scopes,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}
