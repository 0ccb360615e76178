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

	"github.com/gin-gonic/gin"

	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/config"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/engine"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/event"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/handler"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/kafka"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/metrics"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/pricing"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/runtime"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/saga"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/internal/service"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/database"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/logger"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/middleware"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/redis"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/retry"
	"github.com/NitheshChakaravarthySeelan/CheckoutX/pkg/telemetry"
)

const serviceName = "checkout-orchestrator"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	if err := logger.Init(&logger.Config{
		Level:       "info",
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Checkout Orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry tracing
	if cfg.OTel.Enabled {
		_, err := telemetry.Init(ctx, &telemetry.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			ServiceVersion: cfg.App.Version,
			Environment:    cfg.App.Environment,
			CollectorAddr:  cfg.OTel.CollectorAddr,
			SampleRatio:    cfg.OTel.SampleRatio,
		})
		if err != nil {
			appLog.Warn(fmt.Sprintf("Failed to initialize tracer (continuing without tracing): %v", err))
		} else {
			defer telemetry.Shutdown(ctx)
			appLog.Info("OpenTelemetry tracing initialized")
		}
	}

	// Initialize metrics
	m, err := metrics.Init(serviceName)
	if err != nil {
		appLog.Warn(fmt.Sprintf("Failed to initialize metrics (continuing without metrics): %v", err))
	} else {
		defer m.Shutdown(ctx)
	}

	// Initialize saga store
	checkers := map[string]handler.HealthChecker{}
	var store saga.Store
	if cfg.Database.UseInMemory {
		store = saga.NewMemoryStore()
		appLog.Warn("Saga store initialized (in-memory, state is lost on restart)")
	} else {
		db, err := database.NewPostgres(ctx, &database.PostgresConfig{
			URL:             cfg.Database.URL,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			MaxRetries:      3,
			RetryInterval:   2 * time.Second,
			EnableTracing:   cfg.OTel.Enabled,
		})
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		}
		defer db.Close()

		pgStore := saga.NewPostgresStore(db.Pool())
		if err := pgStore.Bootstrap(ctx); err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to bootstrap saga schema: %v", err))
		}
		store = pgStore
		checkers["postgres"] = db.HealthCheck
		appLog.Info("Saga store initialized (PostgreSQL)")
	}

	// Initialize the bus
	var (
		producer kafka.Producer
		consumer kafka.Consumer
	)
	consumeTopics := []string{event.TopicCheckoutInitiated, event.TopicCheckoutEvents}
	if cfg.Kafka.Mock {
		bus := kafka.NewMockBus(consumeTopics...)
		producer, consumer = bus, bus
		appLog.Warn("Kafka mocked (in-process bus, MOCK_KAFKA=true)")
	} else {
		p, err := kafka.NewKafkaProducer(ctx, &kafka.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID + "-producer",
			Logger:   appLog,
		})
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to create Kafka producer: %v", err))
		}
		defer p.Close()

		c, err := kafka.NewKafkaConsumer(ctx, &kafka.ConsumerConfig{
			Brokers:          cfg.Kafka.Brokers,
			GroupID:          cfg.Kafka.ConsumerGroup,
			ClientID:         cfg.Kafka.ClientID + "-consumer",
			Topics:           consumeTopics,
			SessionTimeout:   30 * time.Second,
			RebalanceTimeout: 60 * time.Second,
			Logger:           appLog,
		})
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to create Kafka consumer: %v", err))
		}
		producer, consumer = p, c
		appLog.Info("Kafka connected")
	}

	// Initialize pricing client; missing engine URLs already failed Validate
	pricingClient, err := pricing.NewClient(&pricing.Config{
		DiscountBaseURL: cfg.Pricing.DiscountEngineURL,
		TaxBaseURL:      cfg.Pricing.TaxEngineURL,
		Timeout:         cfg.Pricing.Timeout,
	}, appLog)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create pricing client: %v", err))
	}

	// Saga engine and runtime
	eng := engine.New(pricingClient, &engine.Config{
		PricingMaxAttempts: cfg.Pricing.MaxAttempts,
	}, m, appLog)

	dlq := retry.NewKafkaDLQPublisher(producer, &retry.DLQConfig{Source: serviceName})
	rt := runtime.New(store, eng, consumer, producer, dlq, m, nil, appLog)
	rt.Start(ctx)

	reaper := runtime.NewReaper(store, producer, runtime.ReaperConfig{
		Interval:             cfg.Saga.ReaperInterval,
		StageTimeout:         cfg.Saga.StageTimeout,
		CompensationDeadline: cfg.Saga.CompensationDeadline,
	}, appLog)
	reaper.Start(ctx)

	// HTTP API
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.TracingMiddleware(serviceName))

	// Optional Redis-backed request idempotency
	if cfg.Redis.Addr != "" {
		redisClient, err := redis.NewClient(ctx, &redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			appLog.Fatal(fmt.Sprintf("Failed to connect to Redis: %v", err))
		}
		defer redisClient.Close()
		checkers["redis"] = redisClient.HealthCheck
		router.Use(middleware.Idempotency(&middleware.IdempotencyConfig{Redis: redisClient}))
		appLog.Info("Request idempotency enabled (Redis)")
	}

	checkoutService := service.NewCheckoutService(store, producer, m, appLog)
	checkoutHandler := handler.NewCheckoutHandler(checkoutService, checkers)
	checkoutHandler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		appLog.Info(fmt.Sprintf("HTTP server listening on %s", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal(fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	appLog.Info("Checkout Orchestrator started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("HTTP server shutdown error: %v", err))
	}

	cancel()
	consumer.Close()
	rt.Stop()
	reaper.Stop()

	appLog.Info("Checkout Orchestrator exited gracefully")
}
