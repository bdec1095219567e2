package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlement-service/config"
	"settlement-service/internal/api"
	"settlement-service/internal/broker"
	"settlement-service/internal/gateway"
	"settlement-service/internal/geo"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting settlement service")

	tp, err := util.InitTracer(cfg.Observ.JaegerEndpoint, cfg.Observ.TraceSampleRate)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	var geoCache geo.Cache
	if cfg.Maps.UseRedis {
		geoCache = geo.NewRedisCache(redisClient.GetClient(), util.ServiceName+":geo")
	} else {
		geoCache = geo.NewMemoryCache(cfg.Maps.CacheTTL, 10*time.Minute)
	}
	mapsProvider, err := geo.NewGoogleMapsProvider(cfg.Maps.APIKey, "ke")
	if err != nil {
		logger.Fatal("Failed to initialize maps provider", zap.Error(err))
	}
	locator := geo.NewLocator(geoCache, mapsProvider, cfg.Maps.CacheTTL)

	mpesa := gateway.NewMpesaClient(gateway.Config(cfg.Mpesa))

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	logger.Info("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	commission := decimal.NewFromFloat(cfg.Business.DefaultCommissionPercent)
	estimator := service.NewShippingEstimator(cfg.Shipping, db, locator)
	orderService := service.NewOrderService(db, db, estimator, eventPublisher, commission, cfg.Escrow.HoldPeriod)
	paymentService := service.NewPaymentService(db, db, mpesa, eventPublisher, eventPublisher,
		cfg.Business.CountryCode, cfg.Business.LoyaltyPointsUnit, cfg.Escrow.HoldPeriod)
	escrowService := service.NewEscrowService(db, db, mpesa, eventPublisher,
		cfg.Business.CountryCode, cfg.Escrow.BatchSize, cfg.Escrow.ClaimTimeout)
	refundService := service.NewRefundService(db, db, mpesa, eventPublisher,
		cfg.Business.CountryCode, cfg.Escrow.BatchSize, cfg.Escrow.ClaimTimeout)
	payoutResults := service.NewPayoutResults(escrowService, refundService)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	callbackConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPaymentCallbacks, cfg.Kafka.ConsumerGroup)
	callbackWorker := worker.NewPaymentCallbackWorker(callbackConsumer,
		service.NewPaymentCallbackConsumer(db, paymentService))
	go func() {
		if err := callbackWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Payment callback worker error", zap.Error(err))
		}
	}()

	scheduler := worker.NewEscrowScheduler(
		worker.SchedulerConfig{
			Schedule:        cfg.Escrow.Schedule,
			TickTimeout:     cfg.Escrow.TickTimeout,
			PendingMaxAge:   cfg.Business.PendingPaymentMaxAge,
			PendingSweepMax: cfg.Escrow.BatchSize,
		},
		redisClient.NewMutex("escrow-release-tick", cfg.Escrow.TickTimeout+time.Minute),
		escrowService,
		refundService,
		paymentService,
	)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start escrow scheduler", zap.Error(err))
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(
		api.Services{
			Orders:   orderService,
			Shipping: estimator,
			Payments: paymentService,
			Escrow:   escrowService,
			Refunds:  refundService,
			Payouts:  payoutResults,
		},
		api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.GatewayCallbackToken),
		map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	scheduler.Stop()
	workerCancel()
	if err := callbackWorker.Stop(); err != nil {
		logger.Warn("Error stopping payment callback worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
