package engine

import (
	"context"

	"github.com/manav2701/Aperture/internal/domain"
	"github.com/manav2701/Aperture/internal/infra/auth"
)

// authorizeAgent: агент платит только за себя. Токен со scope admin может действовать за любого.
// Без токена в контексте (шлюз запущен без ключа) проверка пропускается.
func authorizeAgent(ctx context.Context, agentID string) error {
	caller := auth.CallerID(ctx)
	if caller == "" || caller == agentID || auth.HasScope(ctx, domain.ScopeAdmin) {
		return nil
	}
	return domain.ErrUnauthorized
}
