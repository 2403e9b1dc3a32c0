package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manav2701/Aperture/internal/domain"
)

// UserRepo: владельцы политик для входа в Console API.
type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `SELECT id, username, password_hash, scopes, created_at FROM users WHERE username = $1`

	var (
		u      domain.User
		scopes []byte
	)
	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &scopes, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}
	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &u.Scopes); err != nil {
			return nil, fmt.Errorf("postgres: decode scopes: %w", err)
		}
	}
	return &u, nil
}

func (r *UserRepo) CreateUser(ctx context.Context, u *domain.User) error {
	scopes := u.Scopes
	if scopes == nil {
		scopes = map[string]bool{}
	}
	raw, err := json.Marshal(scopes)
	if err != nil {
		return fmt.Errorf("postgres: encode scopes: %w", err)
	}

	query := `INSERT INTO users (id, username, password_hash, scopes, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err = r.db.ExecContext(ctx, query, u.ID, u.Username, u.PasswordHash, string(raw), u.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: failed to create user: %w", err)
	}
	return nil
}
