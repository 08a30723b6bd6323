package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "stablecall-backend/internal/database"
	callHandler "stablecall-backend/internal/handler/http/call"
	wsHandler "stablecall-backend/internal/handler/ws"
	"stablecall-backend/internal/media"
	"stablecall-backend/internal/middleware"
	"stablecall-backend/internal/repository/cockroach"
	"stablecall-backend/internal/repository/memory"
	redisRepo "stablecall-backend/internal/repository/redis"
	"stablecall-backend/internal/service/call"
	"stablecall-backend/pkg/config"
	"stablecall-backend/pkg/constants"
	pkgDatabase "stablecall-backend/pkg/database"
	"stablecall-backend/pkg/jwt"
	"stablecall-backend/pkg/logger"
	"stablecall-backend/pkg/metrics"
	"stablecall-backend/pkg/resilience"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Setup JWT Manager
	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.Issuer)

	// 3. Initialize Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 4. Signaling channel
	var signaling call.SignalingChannel
	switch cfg.Call.SignalingBackend {
	case config.SignalingBackendMemory:
		signaling = memory.NewSignalingRepository()
		logger.Warn("Using in-memory signaling; calls only reach users on this instance")
	default:
		redisDB, err := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisDB.Close()
		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis not reachable at startup, starting in degraded mode", zap.Error(err))
		} else {
			logger.Info("Connected to Redis", zap.String("host", cfg.Redis.Host))
		}
		redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

		signaling = redisRepo.NewSignalingRepository(redisDB, redisRepo.SignalingOptions{
			RecordTTL:      cfg.Call.RecordTTL,
			ResyncInterval: cfg.Call.ResyncInterval,
			Breaker:        resilience.NewBreaker(resilience.DefaultConfig("redis_signaling")),
			Metrics:        appMetrics,
		})
	}

	// 5. Call history (optional)
	var history *cockroach.CallLogRepository
	if cfg.HistoryEnabled() {
		db := connectCockroach(ctx, cfg)
		if db != nil {
			defer db.Close()
			history = cockroach.NewCallLogRepository(db.Pool, appMetrics)
			if err := history.EnsureSchema(ctx); err != nil {
				logger.Warn("Failed to ensure call_logs schema, running without history", zap.Error(err))
				history = nil
			}
		}
	} else {
		logger.Info("DB_HOST not set, running without call history")
	}

	// 6. Media and transport
	policy := media.Policy{AllowAudio: cfg.Call.AllowAudio, AllowVideo: cfg.Call.AllowVideo}
	gateway, registerCodecs, err := newMediaGateway(policy)
	if err != nil {
		logger.Fatal("Failed to initialize media gateway", zap.Error(err))
	}
	peers, err := media.NewPionFactory(media.PeerConfig{
		ICEServers:     cfg.Call.ICEServers,
		RegisterCodecs: registerCodecs,
	})
	if err != nil {
		logger.Fatal("Failed to initialize peer connection factory", zap.Error(err))
	}

	// 7. Call manager
	deps := call.Deps{
		Signaling: signaling,
		Media:     gateway,
		Peers:     peers,
	}
	var historyReader callHandler.HistoryReader
	if history != nil {
		deps.Logs = history
		historyReader = history
	}
	manager := call.NewManager(deps, call.Config{
		RingTimeout:     cfg.Call.RingTimeout,
		TeardownTimeout: cfg.Call.TeardownTimeout,
	})

	// 8. Initialize Handlers
	callHdlr := callHandler.NewHandler(manager, historyReader)
	statusHub := wsHandler.NewStatusHub(manager, cfg.Server.AllowedOrigins, appMetrics, constants.MaxStatusConnections)

	// 9. Setup Gin Router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	router.Use(middleware.RequestLogger())
	router.Use(middleware.Recovery())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET(middleware.GetMetricsPath(), middleware.MetricsHandler())

	rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitRequests, cfg.Server.RateLimitWindow)
	defer rateLimiter.Stop()

	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		control := v1.Group("", rateLimiter.Middleware())
		control.POST("/open", callHdlr.OpenChannel)
		control.POST("/start", callHdlr.StartCall)
		control.POST("/accept", callHdlr.AcceptCall)
		control.POST("/reject", callHdlr.RejectCall)
		control.POST("/hangup", callHdlr.Hangup)

		v1.GET("/status", callHdlr.GetStatus)
		v1.GET("/history", callHdlr.GetHistory)

		// WebSocket status stream
		v1.GET("/ws/status", statusHub.ServeWS)
	}

	// 10. Start server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling_backend", cfg.Call.SignalingBackend),
			zap.Bool("history", history != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down call service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Hang up every call so records are torn down before Redis closes
	manager.Close()
	logger.Info("Call service stopped")
}

// connectCockroach connects with exponential backoff. Nil means limited mode.
func connectCockroach(ctx context.Context, cfg *config.Config) *pkgDatabase.CockroachDB {
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}

	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var db *pkgDatabase.CockroachDB
		db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db
		}
		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
	}

	logger.Warn("Running in limited mode without call history",
		zap.Int("attempts", maxRetries),
		zap.Error(err))
	return nil
}
