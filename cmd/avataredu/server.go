package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/api/handlers"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/config"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/cache"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/database"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/metrics"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/migration"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/server"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/llm/providers/openaicompat"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/memory"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装记忆服务的全部依赖
type Server struct {
	cfg        *config.Config
	loader     *config.Loader
	configPath string
	logger     *zap.Logger
	level      zap.AtomicLevel

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 存储
	pool  *database.PoolManager
	cache *cache.Manager

	// 领域服务
	memory *memory.Service

	// Handlers
	healthHandler  *handlers.HealthHandler
	memoryHandler  *handlers.MemoryHandler
	sessionHandler *handlers.SessionHandler

	metricsCollector *metrics.Collector

	// 后台任务生命周期 (限流器清理、配置监听、记忆服务)
	bgCancel context.CancelFunc
	wg       sync.WaitGroup

	shutdownOnce sync.Once
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, loader *config.Loader, configPath string, logger *zap.Logger, level zap.AtomicLevel) *Server {
	return &Server{
		cfg:        cfg,
		loader:     loader,
		configPath: configPath,
		logger:     logger,
		level:      level,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.bgCancel = cancel

	// 1. 指标收集器
	s.metricsCollector = metrics.NewCollector("avataredu", s.logger)

	// 2. 数据库与缓存
	if err := s.initStorage(ctx); err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}

	// 3. 记忆服务
	s.initMemoryService(bgCtx)

	// 4. Handlers
	s.initHandlers()

	// 5. 配置热更新
	s.initConfigWatcher(bgCtx)

	// 6. HTTP 服务器
	if err := s.startHTTPServer(bgCtx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initStorage 打开数据库连接池, 可选执行迁移并连接 Redis
func (s *Server) initStorage(ctx context.Context) error {
	dbCfg := s.cfg.Database

	if dbCfg.AutoMigrate {
		if err := s.runMigrations(ctx); err != nil {
			return err
		}
	}

	db, err := database.Open(dbCfg.Driver, dbCfg.DSN(), s.logger)
	if err != nil {
		return err
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}
	s.pool, err = database.NewPoolManager(db, poolCfg, s.logger)
	if err != nil {
		return err
	}
	s.pool.StartHealthCheck(func(open, idle int) {
		s.metricsCollector.RecordDBConnections(dbCfg.Driver, open, idle)
	})

	if !dbCfg.AutoMigrate {
		// 未使用迁移文件时仍保证表结构存在
		if err := memory.AutoMigrate(db); err != nil {
			return fmt.Errorf("auto migrate memory tables: %w", err)
		}
	}

	if s.cfg.Redis.Enabled {
		s.initCache()
	}
	return nil
}

func (s *Server) runMigrations(ctx context.Context) error {
	m, err := migration.NewMigratorFromDatabaseConfig(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil {
			s.logger.Warn("migrator close error", zap.Error(cerr))
		}
	}()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// initCache 连接 Redis; 失败时降级为纯数据库模式
func (s *Server) initCache() {
	rc := s.cfg.Redis
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = rc.Addr
	cacheCfg.Password = rc.Password
	cacheCfg.DB = rc.DB
	cacheCfg.TLSEnabled = rc.TLSEnabled
	if rc.KeyPrefix != "" {
		cacheCfg.KeyPrefix = rc.KeyPrefix
	}
	if rc.PoolSize > 0 {
		cacheCfg.PoolSize = rc.PoolSize
	}
	if rc.MinIdleConns > 0 {
		cacheCfg.MinIdleConns = rc.MinIdleConns
	}
	if rc.BoardCacheTTL > 0 {
		cacheCfg.DefaultTTL = rc.BoardCacheTTL
	}

	mgr, err := cache.NewManager(cacheCfg, s.logger)
	if err != nil {
		s.logger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
		return
	}
	s.cache = mgr
}

// initMemoryService 组装记忆管线
func (s *Server) initMemoryService(ctx context.Context) {
	db := s.pool.DB()
	store := memory.NewGormStore(db, s.logger)

	var counter memory.Counter = memory.NewGormCounter(db, s.logger)
	if s.cfg.Memory.CounterBackend == memory.CounterBackendRedis {
		if s.cache != nil {
			counter = memory.NewRedisCounter(s.cache.Client(), s.cache.Key("counter"))
		} else {
			s.logger.Warn("redis counter backend requested but redis is not available, using database")
		}
	}

	opts := []memory.Option{
		memory.WithLogger(s.logger),
		memory.WithMetrics(s.metricsCollector),
	}
	if s.cache != nil && s.cfg.Redis.BoardCacheTTL > 0 {
		opts = append(opts, memory.WithBoardCache(s.cache, s.cfg.Redis.BoardCacheTTL))
	}

	llmCfg := s.cfg.LLM
	if llmCfg.APIKey != "" {
		provider := openaicompat.New(openaicompat.Config{
			ProviderName: llmCfg.Provider,
			APIKey:       llmCfg.APIKey,
			BaseURL:      llmCfg.BaseURL,
			DefaultModel: llmCfg.Model,
			Timeout:      llmCfg.Timeout,
		}, s.logger)
		opts = append(opts, memory.WithProvider(provider))
		s.logger.Info("LLM compression enabled",
			zap.String("provider", provider.Name()),
			zap.String("model", llmCfg.Model))
	} else {
		s.logger.Info("LLM API key not configured, compression uses rule-based summaries")
	}

	s.memory = memory.NewService(store, counter, memory.ConfigFrom(s.cfg.Memory, llmCfg), opts...)
	s.memory.Start(ctx)
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.pool.Ping))
	if s.cache != nil {
		s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", s.cache.Ping))
	}

	s.memoryHandler = handlers.NewMemoryHandler(s.memory, s.logger, s.cfg.Server.CORSAllowedOrigins...)
	s.sessionHandler = handlers.NewSessionHandler(s.memory, s.logger)
}

// initConfigWatcher 监听配置文件, 热更新日志级别与记忆管线参数
func (s *Server) initConfigWatcher(ctx context.Context) {
	if s.configPath == "" {
		return
	}

	watcher := config.NewWatcher(s.configPath, s.loader, s.cfg,
		config.WithWatcherLogger(s.logger),
	)
	watcher.OnReload(func(oldCfg, newCfg *config.Config) {
		s.level.SetLevel(parseLevel(newCfg.Log.Level))
		s.memory.ApplyConfig(newCfg.Memory)
		if config.RestartRequired(oldCfg, newCfg) {
			s.logger.Warn("configuration changed fields that need a restart to take effect")
		}
		s.logger.Info("Configuration reloaded",
			zap.String("log_level", newCfg.Log.Level),
			zap.Int("compression_threshold", newCfg.Memory.CompressionThreshold))
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		watcher.Run(ctx)
	}()
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册所有路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	s.healthHandler.Register(mux, Version, BuildTime, GitCommit)
	s.memoryHandler.Register(mux)
	s.sessionHandler.Register(mux)
	return mux
}

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	sc := s.cfg.Server
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		CORS(sc.CORSAllowedOrigins),
		RateLimiter(ctx, sc.RateLimitRPS, sc.RateLimitBurst, s.logger),
		APIKeyAuth(sc.APIKeys, skipAuthPaths, sc.AllowQueryAPIKey, s.logger),
	}
	if sc.JWT.Enabled {
		middlewares = append(middlewares, JWTAuth(sc.JWT, skipAuthPaths, s.logger))
	}
	if sc.StudentRateLimitRPS > 0 {
		middlewares = append(middlewares, StudentRateLimiter(ctx, sc.StudentRateLimitRPS, sc.StudentRateLimitBurst, s.logger))
	}
	handler := Chain(s.routes(), middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", sc.HTTPPort),
		ReadTimeout:     sc.ReadTimeout,
		WriteTimeout:    sc.WriteTimeout,
		IdleTimeout:     2 * sc.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: sc.ShutdownTimeout,
		TLSCertFile:     sc.TLSCertFile,
		TLSKeyFile:      sc.TLSKeyFile,
	}
	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started",
		zap.Int("port", sc.HTTPPort),
		zap.Bool("tls", sc.TLSCertFile != ""))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// Wait 阻塞直到收到信号或 HTTP 服务器异常退出
func (s *Server) Wait(ctx context.Context) {
	var serverErrs <-chan error
	if s.httpManager != nil {
		serverErrs = s.httpManager.Errors()
	}
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-serverErrs:
		s.logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
	}
}

// Shutdown 优雅关闭所有服务, 可重复调用
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. 先停止接收请求
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 2. 停止后台任务
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.wg.Wait()

	// 3. 等待进行中的压缩并关闭事件订阅
	if s.memory != nil {
		if err := s.memory.Close(ctx); err != nil {
			s.logger.Error("Memory service shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭存储
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Error("Redis close error", zap.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
