package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/manav2701/Aperture/internal/console/handler"
	"github.com/manav2701/Aperture/internal/infra/auth"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler     *handler.AuthHandler      // /auth/token
	agentHandler    *handler.AgentHandler     // /v1/agents
	policyHandler   *handler.PolicyHandler    // /v1/policies
	approvalHandler *handler.ApprovalHandler  // /v1/agents/{id}/approvals
	dashHandler     *handler.DashboardHandler // /api/v1/dashboard
	auditHandler    *handler.AuditHandler     // /v1/audit
	sessionHandler  *handler.SessionHandler   // /v1/sessions
}

// NewConsoleServer инициализирует сервер Control Plane со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	agentH *handler.AgentHandler,
	policyH *handler.PolicyHandler,
	approvalH *handler.ApprovalHandler,
	dashH *handler.DashboardHandler,
	auditH *handler.AuditHandler,
	sessionH *handler.SessionHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		authHandler:     authH,
		agentHandler:    agentH,
		policyHandler:   policyH,
		approvalHandler: approvalH,
		dashHandler:     dashH,
		auditHandler:    auditH,
		sessionHandler:  sessionH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Dashboard & Stats
		r.Get("/api/v1/dashboard/stats", s.dashHandler.GetStats)

		// Политики расходов
		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.policyHandler.List)
			r.Post("/", s.policyHandler.Create)
			r.Route("/{agentID}", func(r chi.Router) {
				r.Get("/", s.policyHandler.Get)
				r.Put("/", s.policyHandler.Update)
			})
		})

		// Агенты: lifecycle, расход, allow-list
		r.Route("/v1/agents/{agentID}", func(r chi.Router) {
			r.Get("/", s.agentHandler.Get)
			r.Get("/usage", s.agentHandler.Usage)
			r.Post("/pause", s.agentHandler.Pause)
			r.Post("/unpause", s.agentHandler.Unpause)
			r.Post("/revoke", s.agentHandler.Revoke)

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", s.approvalHandler.List)
				r.Post("/approve", s.approvalHandler.Approve)
				r.Post("/revoke", s.approvalHandler.Revoke)
			})

			r.Get("/sessions", s.sessionHandler.List)
			r.Post("/sessions", s.sessionHandler.Create)
		})

		// Сессии
		r.Get("/v1/sessions/{sessionID}", s.sessionHandler.Get)
		r.Post("/v1/sessions/{sessionID}/end", s.sessionHandler.End)

		// Журнал платежей
		r.Get("/v1/audit", s.auditHandler.GetLogs)
		r.Get("/v1/audit/export", s.auditHandler.Export)
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
