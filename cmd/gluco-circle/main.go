package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gluco-circle/internal/config"
	"gluco-circle/internal/database"
	"gluco-circle/internal/evaluator"
	"gluco-circle/internal/feed"
	"gluco-circle/internal/httpapi"
	"gluco-circle/internal/logger"
	"gluco-circle/internal/mqtt"
	"gluco-circle/internal/notifier"
	"gluco-circle/internal/redisx"
	"gluco-circle/internal/repository"
	"gluco-circle/internal/service"
	"gluco-circle/internal/timeline"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "gluco-circle")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// 4. Redis
	redisClient := redisx.NewRedisClient(&cfg.Redis)
	defer redisClient.Close()

	// 5. MQTT（可选，连接失败只降级不阻塞启动）
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.NewClient(&cfg.MQTT)
		if err != nil {
			log.Warn("MQTT broker unavailable, notifications fall back to Redis Stream only",
				zap.Error(err),
			)
			mqttClient = nil
		} else {
			defer mqttClient.Disconnect()
		}
	}

	// 6. 凭证加密
	sealer, err := feed.NewCredentialSealer(cfg.Dexcom.CredentialKey)
	if err != nil {
		log.Fatal("Failed to init credential sealer", zap.Error(err))
	}

	// 7. CGM 数据源客户端
	oauthClient := feed.NewOAuthClient(
		cfg.Dexcom.OAuthBaseURL,
		cfg.Dexcom.ClientID,
		cfg.Dexcom.ClientSecret,
		cfg.Dexcom.RedirectURI,
		cfg.Dexcom.RetryCount,
		log,
	)
	shareClient := feed.NewShareClient(
		cfg.Dexcom.ShareBaseURLUS,
		cfg.Dexcom.ShareBaseURLOUS,
		cfg.Dexcom.ShareAppID,
		cfg.Dexcom.RetryCount,
		log,
	)

	// 8. 仓储层
	readings := repository.NewReadingsRepository(db, log)
	alerts := repository.NewAlertsRepository(db, log)
	accounts := repository.NewAccountsRepository(db, log)
	memberships := repository.NewMembershipsRepository(db, log)
	connections := repository.NewConnectionsRepository(db, log)

	// 9. 核心组件
	tl := timeline.NewTimeline(cfg, readings, redisClient, log)
	ev := evaluator.NewEvaluator(cfg, log)
	dispatcher := notifier.NewDispatcher(cfg, memberships, accounts, redisClient, mqttClient, log)
	reconciler := feed.NewReconciler(cfg, connections, tl, oauthClient, shareClient, sealer, log)

	// 10. 服务层
	alertService := service.NewAlertService(cfg, alerts, accounts, memberships, tl, ev, dispatcher, redisClient, log)
	statsService := service.NewStatsService(cfg, accounts, tl, log)
	circleService := service.NewCircleService(memberships, accounts, log)
	connectionService := service.NewConnectionService(cfg, connections, accounts, oauthClient, shareClient, sealer, log)
	syncService := service.NewSyncService(cfg, connections, reconciler, alertService, tl, redisClient, log)

	// 11. HTTP 路由
	router := httpapi.NewRouter(log)
	router.RegisterHealthRoute()
	router.RegisterReadingsRoutes(httpapi.NewReadingsHandler(alertService, statsService, tl, log))
	router.RegisterAlertsRoutes(httpapi.NewAlertsHandler(alertService, log))
	router.RegisterCGMRoutes(httpapi.NewCGMHandler(connectionService, syncService, log))
	router.RegisterCircleRoutes(httpapi.NewCircleHandler(circleService, log))

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 12. 后台同步与 no_data 巡检
	go syncService.Run(ctx)

	// 13. 启动 HTTP 服务
	errCh := make(chan error, 1)
	go func() {
		log.Info("gluco-circle listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 14. 等待信号（优雅关闭）
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	case err := <-errCh:
		log.Error("HTTP server error", zap.Error(err))
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	log.Info("gluco-circle stopped")
}
