package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manav2701/Aperture/internal/app"
	"github.com/manav2701/Aperture/internal/audit"
	"github.com/manav2701/Aperture/internal/connectors"
	"github.com/manav2701/Aperture/internal/engine"
	"github.com/manav2701/Aperture/internal/infra"
	"github.com/manav2701/Aperture/internal/infra/auth"
	"github.com/manav2701/Aperture/internal/lifecycle"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	// Контекст жизни процесса: SIGINT/SIGTERM останавливают фоновые горутины
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Хранилища
	stores, err := app.OpenStores(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	// 3. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 4. Экспорт аудита в RabbitMQ (best-effort, источник истины: audit.Store)
	var exporter audit.Exporter
	if cfg.AMQP.URL != "" {
		sink, err := audit.NewAMQPSink(audit.AMQPConfig{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange, Queue: cfg.AMQP.Queue})
		if err != nil {
			return err
		}
		defer sink.Close()

		agentFS := audit.NewAgentFS(sink, audit.AgentFSConfig{
			BufferSize:    cfg.Engine.AuditBufferSize,
			BatchSize:     cfg.Engine.AuditBatchSize,
			FlushInterval: cfg.Engine.AuditFlushInterval,
		}, logger)
		agentFS.OnDepth(func(n int) { metrics.AuditQueueDepth.Set(float64(n)) })
		agentFS.Start()
		defer agentFS.Stop()
		exporter = agentFS
	}

	// 5. Ядро
	clock := infra.SystemClock{}
	core := app.NewCore(cfg, stores, clock, exporter, reg, logger)
	go core.Sweeper(cfg, logger).Run(appCtx)

	// 6. Апстрим: HTTP + лимитер, Circuit Breaker и ретраи
	upstream := engine.NewReliabilityWrapper(connectors.NewHTTPConnector(&http.Client{}), cfg.Engine, metrics, logger)
	gw := engine.NewGateway(core.Gate, upstream, clock, metrics, logger)

	// 7. Ранний отсев paused/revoked агентов по локальному кэшу
	watcher := lifecycle.NewWatcher(core.Lifecycle, stores.Redis, logger)
	watcher.OnReject(gw.RecordEarlyReject)
	if err := watcher.Init(appCtx); err != nil {
		return err
	}
	if stores.Redis != nil {
		go watcher.StartListener(appCtx)
	} else {
		logger.Warn("redis unavailable, early lifecycle rejection disabled")
	}

	// 8. Аутентификация вызывающих
	authMw, grpcOpts, err := gatewayAuth(cfg, logger)
	if err != nil {
		return err
	}

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw.Router(authMw, watcher.Admission()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var grpcSrv *grpc.Server
	if cfg.GRPC.Port > 0 {
		grpcSrv = grpc.NewServer(grpcOpts...)
		engine.NewGRPCGatewayServer(core.Gate, clock, logger).Register(grpcSrv)

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen gRPC: %w", err)
		}
		go func() {
			logger.Info("payment gate gRPC server started", zap.String("addr", lis.Addr().String()))
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC server failed", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway started", zap.String("addr", srv.Addr), zap.String("ledger_store", cfg.Ledger.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 9. Graceful Shutdown
	select {
	case <-appCtx.Done():
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}
	logger.Info("gateway stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	_ = metricsSrv.Shutdown(shutdownCtx)

	logger.Info("gateway exited properly")
	return nil
}

// gatewayAuth: JWT (RS256) для HTTP и gRPC. Без публичного ключа шлюз доверяет X-Agent-ID (локальная разработка).
func gatewayAuth(cfg *infra.Config, logger *zap.Logger) (func(http.Handler) http.Handler, []grpc.ServerOption, error) {
	if len(cfg.Auth.PublicKey) == 0 {
		logger.Warn("auth public key is not configured, caller authentication disabled")
		return func(next http.Handler) http.Handler { return next }, nil, nil
	}
	pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	validator := auth.NewBaseValidator(pub)
	return auth.NewMiddleware(validator, logger),
		[]grpc.ServerOption{grpc.UnaryInterceptor(engine.UnaryAuthInterceptor(validator, logger))},
		nil
}
