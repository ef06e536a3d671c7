package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitfantasy/bidportal/internal/bid/credential"
	"github.com/bitfantasy/bidportal/internal/bid/entity"
	"github.com/bitfantasy/bidportal/internal/bid/handler"
	"github.com/bitfantasy/bidportal/internal/bid/kvstore"
	"github.com/bitfantasy/bidportal/internal/bid/ratelimit"
	"github.com/bitfantasy/bidportal/internal/bid/repository"
	"github.com/bitfantasy/bidportal/internal/bid/service"
	"github.com/bitfantasy/bidportal/internal/bid/sse"
	"github.com/bitfantasy/bidportal/internal/bid/vault"
	"github.com/bitfantasy/bidportal/internal/config"
	"github.com/bitfantasy/bidportal/internal/middleware"
	"github.com/bitfantasy/bidportal/internal/shared/feishu"
	"github.com/bitfantasy/bidportal/internal/shared/notify"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting bidportal service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	// 初始化数据库
	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(entity.Models()...); err != nil {
			zapLogger.Fatal("AutoMigrate bid tables failed", zap.Error(err))
		}
	}

	// 计数与PIN暂存：多副本部署必须使用Redis
	var store kvstore.Store
	if cfg.Redis.Enabled() {
		rdb := initRedis(cfg.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			zapLogger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		cancel()
		defer rdb.Close()
		store = kvstore.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
	} else {
		zapLogger.Warn("Redis not configured, PIN attempt counters are process-local")
		store = kvstore.NewMemoryStore()
	}

	// 门户凭证
	issuer := credential.NewIssuer([]byte(cfg.Portal.PinSecret), nil)
	limiter := ratelimit.NewPINLimiter(store, ratelimit.Config{
		MaxAttempts:   cfg.Portal.MaxPinAttempts,
		Window:        cfg.Portal.AttemptWindow,
		Lockout:       cfg.Portal.Lockout,
		IPMaxAttempts: cfg.Portal.IPMaxAttempts,
	})
	pinVault, err := vault.New(store, []byte(cfg.Portal.VaultKey), cfg.Portal.VaultTTL)
	if err != nil {
		zapLogger.Fatal("Failed to init PIN vault", zap.Error(err))
	}

	// 附件存储
	var files service.FileStore
	if cfg.MinIO.Enabled() {
		minioStore, err := service.NewMinIOFileStore(context.Background(),
			cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.UseSSL)
		if err != nil {
			zapLogger.Fatal("Failed to init MinIO", zap.Error(err))
		}
		files = minioStore
	} else {
		zapLogger.Warn("MinIO not configured, attachments are kept in memory")
		files = service.NewMemoryFileStore()
	}

	// 邀请投递
	var dispatcher notify.Dispatcher
	if cfg.Notify.WebhookURL != "" {
		dispatcher = notify.NewWebhookDispatcher(cfg.Notify.WebhookURL, []byte(cfg.Notify.WebhookSecret), cfg.Notify.Timeout, zapLogger)
	} else {
		zapLogger.Warn("Notify webhook not configured, invitations are logged and recorded as failed")
		dispatcher = notify.NewLogDispatcher(zapLogger)
	}

	hub := sse.NewHub(zapLogger)
	repos := repository.NewRepositories(db)

	bidSvc := service.NewBidRequestService(repos, issuer, limiter, pinVault, dispatcher, service.BidRequestServiceConfig{
		PortalBaseURL:     cfg.Portal.BaseURL,
		IdempotencySecret: []byte(cfg.Portal.PinSecret),
		LinkTTL:           cfg.Portal.LinkTTL,
	}, zapLogger)
	bidSvc.SetFileStore(files)
	bidSvc.SetHub(hub)

	portalSvc := service.NewPortalService(repos, issuer, limiter, zapLogger)
	portalSvc.SetFileStore(files)
	portalSvc.SetHub(hub)
	portalSvc.SetMaxUploadBytes(cfg.Portal.MaxUploadBytes)

	// 飞书告警（可选）
	if cfg.Feishu.Enabled() {
		alerter := service.NewFeishuAlerter(feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret),
			cfg.Feishu.AlertChatID, cfg.Server.AppBaseURL, zapLogger)
		bidSvc.SetAlerter(alerter)
		portalSvc.SetAlerter(alerter)
		zapLogger.Info("Feishu alerts enabled", zap.String("chat_id", cfg.Feishu.AlertChatID))
	}

	handlers := handler.NewHandlers(bidSvc, portalSvc, hub)

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	// 未配置时不信任任何代理，ClientIP取连接地址
	if err := router.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		zapLogger.Fatal("Invalid trusted proxies", zap.Error(err))
	}
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/sse"})))

	registerRoutes(router, handlers, cfg, db)

	// 创建HTTP服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // Disable for SSE long-lived connections
	}

	// 启动服务器
	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	gormConfig := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config, db *gorm.DB) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	api := r.Group("/api/v1", middleware.JWTAuth(cfg.JWT.Secret))
	portal := r.Group("/bid-portal", middleware.PortalHeaders())
	h.RegisterRoutes(api, portal)
}
