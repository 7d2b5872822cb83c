package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creatorwallet/internal/config"
	"creatorwallet/internal/handler"
	"creatorwallet/internal/infrastructure/cache"
	"creatorwallet/internal/infrastructure/database"
	"creatorwallet/internal/infrastructure/mq"
	"creatorwallet/internal/infrastructure/processor"
	"creatorwallet/internal/job"
	"creatorwallet/internal/service"
	"creatorwallet/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "雪花算法 workerID")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(*configPath, *workerID); err != nil {
		slog.Error("服务异常退出", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, workerID int64) error {
	// 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// 初始化 ID 生成器
	if err := idgen.Init(workerID); err != nil {
		return err
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}

	redisClient, err := cache.NewRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	consumer, err := mq.NewConsumer(&cfg.Kafka, cfg.Kafka.Topic.SubmissionApproved)
	if err != nil {
		return err
	}
	defer consumer.Close()

	// 组装服务
	stripeClient := processor.NewStripeClient(cfg.Processor)
	guard := service.NewGuard(db, redisClient, cfg)
	walletService := service.NewWalletService(db)
	ledgerService := service.NewLedgerService(db, guard, walletService, cfg)
	payoutService := service.NewPayoutService(db, guard, walletService, stripeClient, cfg)
	bountyService := service.NewBountyService(db, ledgerService, cfg)

	svc := handler.Services{
		Wallet:          walletService,
		Ledger:          ledgerService,
		Payouts:         payoutService,
		Bounties:        bountyService,
		Webhooks:        service.NewWebhookService(stripeClient, guard, payoutService),
		Roles:           service.NewRoleService(service.NewRedisRoleStore(redisClient), cfg),
		Recommendations: service.NewRecommendationService(redisClient, service.NewHTTPRecommendationGenerator(cfg.Recommendation), cfg),
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewPayoutReconcileJob(payoutService, cfg)
	go reconcileJob.Start(ctx)

	cleanupJob := job.NewEventCleanupJob(guard, cfg)
	go cleanupJob.Start(ctx)

	submissionConsumer := job.NewSubmissionConsumer(consumer, bountyService)
	go submissionConsumer.Start(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.SetupRouter(svc, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("服务启动", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("服务启动失败: %w", err)
	}

	slog.Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("服务关闭异常", "err", err)
	}

	slog.Info("服务已关闭")
	return nil
}
