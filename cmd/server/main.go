package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgersystem/internal/config"
	"ledgersystem/internal/handler"
	"ledgersystem/internal/infrastructure/cache"
	"ledgersystem/internal/infrastructure/database"
	"ledgersystem/internal/infrastructure/lock"
	"ledgersystem/internal/infrastructure/logging"
	"ledgersystem/internal/infrastructure/mq"
	"ledgersystem/internal/job"
	"ledgersystem/internal/repository"
	"ledgersystem/internal/service"
	"ledgersystem/pkg/idgen"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}

	log := logging.NewLogger(&cfg.Log)

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		log.Fatalf("初始化 ID 生成器失败: %v", err)
	}

	// 存储
	var store repository.LedgerStore
	switch cfg.Storage.Driver {
	case config.StorageMySQL:
		db, err := database.InitMySQL(&cfg.MySQL, log)
		if err != nil {
			log.Fatal(err)
		}
		store = repository.NewGormLedgerStore(db)
	default:
		log.Warn("使用内存存储，进程退出后数据丢失")
		store = repository.NewMemoryLedgerStore()
	}

	lockOpts := lock.Options{
		Timeout:       cfg.Ledger.LockTimeout,
		RetryInterval: cfg.Ledger.LockRetryInterval,
		Expiration:    cfg.Ledger.LockExpiration,
	}
	var locker lock.Locker = lock.NewLocalLocker(lockOpts)
	if cfg.Redis.Enabled {
		redisClient, err := cache.InitRedis(&cfg.Redis, log)
		if err != nil {
			log.Fatal(err)
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, lockOpts, log)
	}

	var publisher mq.Publisher = mq.NewLogPublisher(log)
	if cfg.Kafka.Enabled {
		producer, err := mq.NewKafkaProducer(&cfg.Kafka)
		if err != nil {
			log.Fatal(err)
		}
		publisher = mq.NewKafkaPublisher(producer, log)
		log.Info("Kafka 生产者创建成功")
	}
	defer publisher.Close()

	ledger := service.NewLedgerService(store, locker, cfg, log)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(store, publisher, cfg, log)
	go outboxSender.Start(ctx)

	reconcileJob := job.NewReconcileJob(store, ledger, cfg, log)
	go reconcileJob.Start(ctx)

	router := handler.SetupRouter(ledger, log)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务...")

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("服务关闭异常")
	}

	// 请求处理完后再停止后台任务，最后一批消息仍能投递
	outboxSender.RunOnce(shutdownCtx)
	cancel()

	log.Info("服务已关闭")
}
