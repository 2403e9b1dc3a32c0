package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manav2701/Aperture/internal/app"
	"github.com/manav2701/Aperture/internal/console/handler"
	"github.com/manav2701/Aperture/internal/console/server"
	"github.com/manav2701/Aperture/internal/console/service"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/infra/auth"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "console: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Инициализация ресурсов
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return err
	}
	priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		return err
	}

	stores, err := app.OpenStores(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	// Console не проводит платежи: экспорт аудита и метрики ядра ему не нужны
	clock := infra.SystemClock{}
	core := app.NewCore(cfg, stores, clock, nil, nil, logger)

	// 2. Инициализация слоев (Dependency Injection)
	authSvc := service.NewAuthService(stores.Users, auth.NewBaseValidator(pub), auth.NewIssuer(priv, "aperture-console"),
		cfg.Auth.TokenTTL, cfg.Auth.BcryptCost)
	policySvc := service.NewPolicyService(core.Policies, logger)

	srv := server.NewConsoleServer(logger, authSvc,
		handler.NewAuthHandler(authSvc),
		handler.NewAgentHandler(service.NewAgentService(policySvc, core.Lifecycle, core.Ledger, clock, logger)),
		handler.NewPolicyHandler(policySvc),
		handler.NewApprovalHandler(service.NewApprovalService(core.Approvals, policySvc)),
		handler.NewDashboardHandler(service.NewDashboardService(core.Trail, policySvc, core.Lifecycle, core.Sessions, clock)),
		handler.NewAuditHandler(service.NewAuditService(core.Trail, policySvc), logger),
		handler.NewSessionHandler(service.NewSessionService(core.Sessions, policySvc)),
	)

	// 3. Запуск сервера
	httpSrv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      srv,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("console API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-appCtx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
