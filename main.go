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

	"github.com/TIANLI0/TumorLens/config"
	"github.com/TIANLI0/TumorLens/handler"
	"github.com/TIANLI0/TumorLens/service"
	"github.com/TIANLI0/TumorLens/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	BuildID   = "unknown"
	GitCommit = "unknown"
	GitBranch = "unknown"
)

func main() {
	// 加载配置
	cfg := config.New()

	// 初始化日志
	if err := utils.InitLogger(cfg.Server.Mode, cfg.Server.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.Sync()

	utils.Logger.Info("starting TumorLens server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch),
		zap.String("inference", cfg.Inference.BaseURL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 初始化会话存储，Redis 不可用时退回内存
	var store service.SessionStore
	redisStore := service.NewRedisSessionStore(&cfg.Redis)
	if err := redisStore.Ping(ctx); err != nil {
		utils.Logger.Warn("redis connection failed, using in-memory session store", zap.Error(err))
		_ = redisStore.Close()
		store = service.NewMemorySessionStore()
	} else {
		utils.Logger.Info("redis connected successfully")
		defer redisStore.Close()
		store = redisStore
	}

	decoder, err := service.NewDecoder(&cfg.Decoder)
	if err != nil {
		utils.Logger.Fatal("invalid decoder config", zap.Error(err))
	}

	workspaces := service.NewWorkspaceManager(store, decoder, cfg.Session.IdleTimeout)
	go workspaces.Run(ctx)

	inference := service.NewInferenceClient(&cfg.Inference)
	segmentation := service.NewSegmentationService(&cfg.Inference, inference, decoder)
	scans := service.NewScanService(decoder, segmentation)

	// 设置Gin模式
	gin.SetMode(cfg.Server.Mode)

	r := handler.NewRouter(cfg,
		handler.NewScanHandler(cfg, workspaces, scans),
		handler.NewViewHandler(workspaces))

	// 静态文件服务
	r.Static("/static", cfg.Server.StaticDir)
	r.Static("/samples", cfg.Samples.Dir)
	r.StaticFile("/", cfg.Server.StaticDir+"/index.html")

	// 健康检查和版本信息
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"version": Version,
		})
	})

	r.GET("/version", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"version":    Version,
			"build_time": BuildTime,
			"build_id":   BuildID,
			"git_commit": GitCommit,
			"git_branch": GitBranch,
		})
	})

	srv := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// SSE 连接不设写超时
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			utils.Logger.Warn("server shutdown failed", zap.Error(err))
		}
	}()

	// 启动服务器
	utils.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		utils.Logger.Fatal("failed to start server", zap.Error(err))
	}
}
