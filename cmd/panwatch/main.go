package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/panwatch/internal/api/amap"
	"github.com/langchou/panwatch/internal/api/handlers"
	"github.com/langchou/panwatch/internal/api/jac"
	"github.com/langchou/panwatch/internal/apns"
	"github.com/langchou/panwatch/internal/config"
	"github.com/langchou/panwatch/internal/engine"
	"github.com/langchou/panwatch/internal/repository"
	"github.com/langchou/panwatch/pkg/ws"
)

func main() {
	root := &cobra.Command{
		Use:   "panwatch",
		Short: "江淮钇为3充电任务监控与行程记录服务",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(tickCmd(), serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// tickCmd 单次批处理：由外部调度器（cron）每分钟调用一次。
// 进程无状态，所有任务信息以数据库为准
func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "执行一次充电任务批处理后退出",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			db, err := repository.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			eng, err := buildEngine(ctx, cfg, logger, db)
			if err != nil {
				return err
			}

			stats, err := eng.Tick(ctx)
			if err != nil {
				return fmt.Errorf("tick: %w", err)
			}

			logger.Info("批处理退出",
				zap.Int("processed", stats.Processed),
				zap.Int("completed", stats.Completed),
				zap.Int("errored", stats.Errored))
			return nil
		},
	}
}

// serveCmd 常驻 HTTP 服务：任务创建/查询接口、车况代理与 WebSocket
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP API 服务",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Info("Starting panwatch", zap.String("port", cfg.ServerPort))

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			db, err := repository.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			logger.Info("Database migrated successfully")

			taskRepo := repository.NewTaskRepository(db)
			tripRepo := repository.NewTripRepository(db)
			telemetry := jac.NewClient(cfg.VendorAPIHost, cfg.VendorSpareHost, cfg.APITimeout, cfg.APIConnectTimeout)
			tripEngine := engine.NewTripEngine(cfg, logger, tripRepo, buildGeocoder(cfg, logger))

			// 创建 WebSocket Hub
			wsHub := ws.NewHub(logger)
			go wsHub.Run()

			wsHub.SetInitDataProvider(func() *ws.InitData {
				initCtx, initCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer initCancel()

				tasks, err := taskRepo.ListActive(initCtx)
				if err != nil {
					logger.Warn("加载活跃任务失败", zap.Error(err))
					return nil
				}
				return &ws.InitData{Tasks: tasks}
			})

			handler := handlers.NewHandler(cfg, logger, taskRepo, tripRepo, telemetry, tripEngine, wsHub)

			if !cfg.Debug {
				gin.SetMode(gin.ReleaseMode)
			}

			router := gin.New()
			router.Use(gin.Recovery())
			router.Use(corsMiddleware())
			handler.RegisterRoutes(router)

			server := &http.Server{
				Addr:    ":" + cfg.ServerPort,
				Handler: router,
			}

			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Failed to start server", zap.Error(err))
				}
			}()

			logger.Info("Server started", zap.String("addr", server.Addr))

			// 等待退出信号
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			logger.Info("Shutting down server...")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
			}

			logger.Info("Server exited")
			return nil
		},
	}
}

// migrateCmd 仅执行数据库迁移后退出
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "执行数据库迁移后退出",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			db, err := repository.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}

			logger.Info("Database migrated successfully")
			return nil
		},
	}
}

// setup 加载配置并初始化日志
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, initLogger(cfg.Debug), nil
}

// buildEngine 组装充电任务引擎及其协作方。
// APNs 未配置时不创建推送器，Redis 未配置时令牌只在进程内缓存
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger, db *repository.DB) (*engine.Engine, error) {
	taskRepo := repository.NewTaskRepository(db)
	tripRepo := repository.NewTripRepository(db)
	telemetry := jac.NewClient(cfg.VendorAPIHost, cfg.VendorSpareHost, cfg.APITimeout, cfg.APIConnectTimeout)
	tripEngine := engine.NewTripEngine(cfg, logger, tripRepo, buildGeocoder(cfg, logger))

	var notifier engine.Notifier
	if cfg.APNsTeamID != "" && cfg.APNsKeyID != "" && cfg.APNsKeyFile != "" {
		var rdb *redis.Client
		if cfg.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				logger.Warn("Redis 连接失败，APNs 令牌仅进程内缓存", zap.Error(err))
				rdb = nil
			}
		}

		tokens, err := apns.NewTokenSource(cfg.APNsTeamID, cfg.APNsKeyID, cfg.APNsKeyFile, cfg.APNsTokenTTL, rdb, logger)
		if err != nil {
			return nil, fmt.Errorf("create apns token source: %w", err)
		}

		dispatcher, err := apns.NewDispatcher(cfg.APNsHost, cfg.APNsTopic, tokens, cfg.APNsTimeout, cfg.APNsConnectTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("create apns dispatcher: %w", err)
		}
		notifier = dispatcher
	} else {
		logger.Info("APNs 未配置，跳过实时活动推送")
	}

	return engine.NewEngine(cfg, logger, telemetry, taskRepo, tripEngine, notifier), nil
}

// buildGeocoder 高德 Key 未配置时返回 nil，行程位置留空
func buildGeocoder(cfg *config.Config, logger *zap.Logger) engine.Geocoder {
	if cfg.AmapKey == "" {
		return nil
	}
	return amap.NewGeocoderClient(cfg.AmapKey, logger)
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, timaToken")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
