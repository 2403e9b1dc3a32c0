package auth

import (
	"context"
	"net/http"

	"github.com/manav2701/Aperture/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator: интерфейс, который реализуют и шлюз, и консоль
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey int

const (
	ctxKeyCallerID ctxKey = iota
	ctxKeyScopes
)

// WithCaller кладет идентичность вызывающего в контекст.
func WithCaller(ctx context.Context, claims *domain.CustomClaims) context.Context {
	ctx = context.WithValue(ctx, ctxKeyCallerID, claims.UserID)
	return context.WithValue(ctx, ctxKeyScopes, claims.Scopes)
}

// CallerID: caller_id из контекста ("" если запрос не аутентифицирован).
func CallerID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyCallerID).(string)
	return id
}

// HasScope проверяет scope из токена.
func HasScope(ctx context.Context, scope string) bool {
	scopes, _ := ctx.Value(ctxKeyScopes).(map[string]bool)
	return scopes[scope]
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims)))
		})
	}
}
