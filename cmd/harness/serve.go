package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/adb"
	"github.com/apk-analysis/app-compat-harness/internal/api"
	"github.com/apk-analysis/app-compat-harness/internal/api/handlers"
	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/middleware"
	"github.com/apk-analysis/app-compat-harness/internal/queue"
	"github.com/apk-analysis/app-compat-harness/internal/repository"
	"github.com/apk-analysis/app-compat-harness/internal/service"
	"github.com/apk-analysis/app-compat-harness/internal/watcher"
	"github.com/apk-analysis/app-compat-harness/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// healthCheckInterval 网络设备的 adb 连接检查间隔
const healthCheckInterval = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the run pool and the optional queue consumer and inbox watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg, logger)
		},
	}

	cmd.Flags().Int("port", 0, "HTTP port")
	v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return cmd
}

func serve(cfg *config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"version": Version,
		"commit":  GitCommit,
		"serial":  cfg.ADB.Serial,
	}).Info("Starting app compatibility harness")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 指标和内存监控
	metrics := middleware.NewPrometheusMetrics(logger, "")
	memMonitor := middleware.NewMemoryMonitor(logger, metrics, time.Duration(cfg.Server.MemoryStatsInterval)*time.Second)
	memMonitor.Start()
	defer memMonitor.Stop()

	// 2. 数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	runRepo := repository.NewRunRepository(db, logger)
	artifactRepo := repository.NewArtifactRepository(db)

	// 清理因服务重启而中断的运行
	if n, err := runRepo.ResetStale(ctx); err != nil {
		logger.WithError(err).Warn("Failed to reset stale runs")
	} else if n > 0 {
		logger.WithField("count", n).Warn("Reset runs interrupted by a previous shutdown")
	}

	// 3. 设备
	stack, err := newDeviceStack(cfg, metrics, logger)
	if err != nil {
		return err
	}
	if err := stack.prepare(ctx); err != nil {
		// 设备稍后上线时运行仍可执行，离线期间的运行记为 device_unavailable
		logger.WithError(err).Warn("Device is not ready yet")
	}
	if adb.IsNetworkSerial(cfg.ADB.Serial) {
		go stack.conn.StartHealthCheck(ctx, healthCheckInterval, cfg.ADB.Serial)
	}
	dev := device.NewDevice(cfg.ADB.Serial)

	// 4. 运行池和事件推送
	pool := worker.NewPool(cfg.Worker.QueueSize, logger)
	pool.SetStatsFunc(metrics.UpdateWorkerPoolStats)

	hub := handlers.NewRunEventHub(logger)
	hub.Start(ctx)

	opts := service.Options{
		Broadcaster: hub,
		Metrics:     metrics,
		Device:      dev,
		DeviceWait:  time.Duration(cfg.Device.WaitTimeout) * time.Second,
	}

	// 5. RabbitMQ（可选）
	var mqs []*queue.RabbitMQ
	defer func() {
		for _, mq := range mqs {
			mq.Close()
		}
	}()

	if cfg.RabbitMQ.Enabled {
		verdictMQ, err := queue.Dial(ctx, cfg.RabbitMQ, cfg.RabbitMQ.VerdictQueue, logger, queue.WithRetryObserver(metrics.RecordRetryAttempt))
		if err != nil {
			return err
		}
		mqs = append(mqs, verdictMQ)
		opts.Publisher = queue.NewProducer(verdictMQ, logger)
	}

	runService := service.NewRunService(runRepo, artifactRepo, pool, stack.newTester, cfg.Artifacts.Dir, cfg.ADB.Serial, opts, logger)
	pool.Start(ctx, runService)
	defer pool.Stop()

	if cfg.RabbitMQ.Enabled {
		requestMQ, err := queue.Dial(ctx, cfg.RabbitMQ, cfg.RabbitMQ.RequestQueue, logger, queue.WithRetryObserver(metrics.RecordRetryAttempt))
		if err != nil {
			return err
		}
		mqs = append(mqs, requestMQ)

		consumer := queue.NewConsumer(requestMQ, requestHandler(runService, logger), logger)
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
		defer consumer.Stop()
	}

	// 6. 收件箱监听（可选）
	if cfg.Watcher.Enabled {
		inbox, err := watcher.NewInboxWatcher(cfg.Watcher.InboxDir, inboxHandler(runService, domain.TestKind(cfg.Watcher.Kind)), logger)
		if err != nil {
			return err
		}
		if err := inbox.Start(ctx); err != nil {
			return fmt.Errorf("failed to start inbox watcher: %w", err)
		}
		defer inbox.Stop()
	}

	// 7. HTTP Server
	router := api.SetupRouter(&cfg.Server, logger, api.Deps{
		RunService: runService,
		Events:     hub,
		Metrics:    metrics,
		Memory:     memMonitor,
		Device:     dev,
		Serial:     cfg.ADB.Serial,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // 下载录屏
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("HTTP server error: %w", err)
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	logger.Info("Server stopped")
	return nil
}

// requestHandler 队列中的测试请求同步执行，设备不可达的错误交给消费者决定是否重新入队
func requestHandler(runService service.RunService, logger *logrus.Logger) queue.RequestHandler {
	return func(ctx context.Context, msg *queue.TestRequestMessage) error {
		run, err := runService.Run(ctx, msg.PackageName, msg.Kind)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"run_id":       run.ID,
			"package":      run.PackageName,
			"status":       run.Status,
			"requested_by": msg.RequestedBy,
		}).Info("Queued test request completed")
		return nil
	}
}

// inboxHandler 收件箱中的每个包提交为一次运行
func inboxHandler(runService service.RunService, kind domain.TestKind) watcher.PackageHandler {
	return func(ctx context.Context, pkg string) error {
		_, err := runService.Submit(ctx, pkg, kind)
		return err
	}
}
