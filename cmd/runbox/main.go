package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"runbox/internal/common/cache"
	"runbox/internal/common/http/middleware"
	"runbox/internal/common/mq"
	"runbox/internal/sandbox"
	"runbox/internal/sandbox/admission"
	"runbox/internal/sandbox/controller"
	"runbox/internal/sandbox/engine"
	"runbox/internal/sandbox/language"
	"runbox/internal/sandbox/repository"
	"runbox/internal/sandbox/workspace"
	"runbox/internal/session"
	"runbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configFlag := flag.String("config", "", "Path to config file (default $RUNBOX_CONFIG or "+defaultConfigPath+")")
	flag.Parse()

	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	appCfg, err := loadAppConfig(configPath(*configFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "runbox stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()

	workspaces, err := workspace.NewManager(appCfg.Sandbox.WorkRoot)
	if err != nil {
		return fmt.Errorf("init work root failed: %w", err)
	}
	if n := workspaces.Sweep(ctx); n > 0 {
		logger.Info(ctx, "stale workspaces removed at startup", zap.Int("count", n))
	}

	var publisher repository.ExecutionEventPublisher = repository.NoopExecutionEventPublisher{}
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() { _ = producer.Close() }()
		publisher = repository.NewMQExecutionEventPublisher(producer, appCfg.Kafka.Topic)
		logger.Info(ctx, "execution audit publishing enabled", zap.String("topic", appCfg.Kafka.Topic))
	}

	var (
		limiter   session.RunLimiter
		cacheInfo controller.Pinger
	)
	if appCfg.RateLimit.Enabled {
		redisCache, err := cache.NewRedisCache(ctx, appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() { _ = redisCache.Close() }()
		limiter = session.NewRedisLimiter(redisCache, appCfg.RateLimit)
		cacheInfo = redisCache
	}

	registry := language.NewRegistry(appCfg.Languages...)
	worker, err := sandbox.NewWorker(sandbox.Config{
		Admission:                  admission.New(appCfg.Sandbox.MaxConcurrent, appCfg.Sandbox.MaxQueue),
		Workspaces:                 workspaces,
		Pipeline:                   language.NewPipeline(registry, appCfg.Sandbox.toPipelineConfig()),
		Supervisor:                 engine.NewSupervisor(appCfg.Sandbox.toEngineConfig()),
		Publisher:                  publisher,
		CloseSessionOnRuntimeError: *appCfg.Sandbox.CloseSessionOnRuntimeError,
	})
	if err != nil {
		return fmt.Errorf("init worker failed: %w", err)
	}

	sessions := session.NewRegistry()
	monitor := session.NewMonitor(appCfg.Session.toMonitorConfig(), sessions, workspaces)
	handler := session.NewHandler(
		appCfg.Session.toTransportConfig(appCfg.Server.AllowedOrigins),
		appCfg.Session.toSessionConfig(),
		worker, limiter, sessions, monitor,
	)
	httpServer := buildHTTPServer(appCfg, handler, controller.NewSandboxController(worker, sessions, cacheInfo))

	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go monitor.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "runbox server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("work_root", workspaces.Root()),
			zap.Int("max_concurrent", appCfg.Sandbox.MaxConcurrent),
		)
		errCh <- httpServer.Serve(listener)
	}()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-signalCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, appCfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	stopSweep()
	monitor.Shutdown(shutdownCtx)
	logger.Info(ctx, "runbox server stopped")
	return serveErr
}

func buildHTTPServer(cfg *AppConfig, ws *session.Handler, sandboxController *controller.SandboxController) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddleware())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	sandboxController.Register(router)
	router.GET("/ws", ws.ServeWS)

	// No write timeout: websocket connections are long lived.
	return &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}
}
