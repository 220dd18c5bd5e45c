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

	"installment-service/config"
	"installment-service/internal/api"
	"installment-service/internal/broker"
	"installment-service/internal/redisclient"
	"installment-service/internal/service"
	"installment-service/internal/store"
	"installment-service/internal/util"
	"installment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Observ.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting installment service")

	tp, err := util.InitTracer("installment-service", cfg.Observ.JaegerEndpoint, cfg.Server.Env, cfg.Observ.TraceSampleRatio)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	if cfg.Database.AutoMigrate {
		if err := store.Migrate(cfg.Database.URL); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	kafkaEnabled := len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Brokers[0] != ""

	var publisher service.EventPublisher = broker.NewLogPublisher()
	if kafkaEnabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer producer.Close()
		publisher = broker.NewKafkaPublisher(producer)
		log.Println("Kafka producer initialized")
	} else {
		logger.Warn("No Kafka brokers configured, events are only logged")
	}

	ledger := store.NewLedger(db)
	stock := service.NewStockKeeper(db, redisClient)
	orderClient := service.NewHTTPOrderClient(cfg.OrderService.BaseURL, cfg.OrderService.Timeout)

	agreementService := service.NewAgreementService(
		db,
		ledger,
		publisher,
		stock,
		orderClient,
		service.PolicyFromConfig(cfg.Installment),
	)

	ctx := context.Background()
	if failed, err := stock.WarmCache(ctx); err != nil || failed > 0 {
		logger.Warn("Stock cache is incomplete, reservations fall back to the database",
			zap.Int("failed", failed),
			zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var (
		agreementWorker *worker.AgreementWorker
		paymentWorker   *worker.PaymentWorker
	)
	if kafkaEnabled {
		agreementConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
		agreementWorker = worker.NewAgreementWorker(agreementConsumer, agreementService)
		go func() {
			if err := agreementWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Agreement worker error", zap.Error(err))
			}
		}()

		paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCommands, cfg.Kafka.ConsumerGroup+"-payments")
		paymentWorker = worker.NewPaymentWorker(paymentConsumer, agreementService, redisClient)
		go func() {
			if err := paymentWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Payment worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(agreementService, redisClient, cfg.Installment.IdempotencyTTL, map[string]api.ReadinessCheck{
		"database": func(ctx context.Context) error { return db.GetDB().PingContext(ctx) },
		"redis":    redisClient.Ping,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	if agreementWorker != nil {
		agreementWorker.Stop()
	}
	if paymentWorker != nil {
		paymentWorker.Stop()
	}

	log.Println("Server exited")
}
