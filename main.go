// Package main provides the main entry point for the broadcast send pipeline
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/percytech/broadcast-pipeline/app/handlers"
	"github.com/percytech/broadcast-pipeline/app/router"
	"github.com/percytech/broadcast-pipeline/app/scheduler"
	"github.com/percytech/broadcast-pipeline/app/services"
	businessflow "github.com/percytech/broadcast-pipeline/business_flow"
	"github.com/percytech/broadcast-pipeline/config"
	"github.com/percytech/broadcast-pipeline/repository"
)

// Application represents the main application structure
type Application struct {
	router    router.Router
	config    *config.ProductionConfig
	server    *fiber.App
	stopFuncs []func()
}

func main() {
	log.Println("Starting broadcast pipeline...")

	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	app.router.SetupRoutes()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		address := cfg.Server.GetServerAddress()
		log.Printf("Server starting on %s", address)

		if err := app.server.Listen(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutting down gracefully...")

	// Stop background workers
	for _, fn := range app.stopFuncs {
		fn()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity
func initializeCache(cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

// initializeTransport selects the outbound message transport
func initializeTransport(cfg *config.ProductionConfig) services.MessageTransport {
	if cfg.Transport.ProviderURL == "mock" {
		return services.NewMockTransport()
	}
	return services.NewBandwidthTransport(&cfg.Transport)
}

// initializeApplication initializes the main application components
func initializeApplication(cfg *config.ProductionConfig) (*Application, error) {
	var stopFuncs []func()

	db, err := initializeDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	// Initialize repositories
	broadcastRepo := repository.NewBroadcastRepository(db)
	recipientRepo := repository.NewBroadcastRecipientRepository(db)
	personRepo := repository.NewPersonDirectoryRepository(db)

	// Initialize services
	transport := initializeTransport(cfg)
	compliance := services.NewRegistryComplianceGate(&cfg.Compliance)

	var optOut services.OptOutCache
	if rc != nil {
		optOut = services.NewRedisOptOutCache(rc, cfg.Cache.RedisPrefix, cfg.Cache.DefaultTTL)
	} else {
		optOut = services.NewMemoryOptOutCache()
	}

	// Initialize flows
	resolver := businessflow.NewRecipientResolver(personRepo)
	aggregator := businessflow.NewBroadcastAggregator(broadcastRepo, recipientRepo, db)
	broadcastFlow := businessflow.NewBroadcastFlow(broadcastRepo, recipientRepo, resolver, aggregator, compliance, db)
	dispatchFlow := businessflow.NewDispatchFlow(broadcastRepo, recipientRepo, personRepo, transport, optOut, aggregator, cfg.Transport.MaxInFlight)

	// Initialize handlers
	broadcastHandler := handlers.NewBroadcastHandler(broadcastFlow)
	receiptHandler := handlers.NewReceiptHandler(dispatchFlow)
	dispatchHandler := handlers.NewDispatchHandler(dispatchFlow)

	// Initialize router
	appRouter := router.NewFiberRouter(broadcastHandler, receiptHandler, dispatchHandler, cfg)

	// Start background workers
	if cfg.Scheduler.Enabled {
		worker := scheduler.NewBroadcastWorker(broadcastRepo, broadcastFlow, dispatchFlow, cfg.Scheduler, cfg.Logging)
		stop := worker.Start(context.Background())
		stopFuncs = append(stopFuncs, stop)
		log.Printf("Broadcast worker started (poll=%s retry=%s)", cfg.Scheduler.PollInterval, cfg.Scheduler.RetryInterval)
	}

	if rc != nil {
		stopFuncs = append(stopFuncs, func() { _ = rc.Close() })
	}

	return &Application{
		router:    appRouter,
		config:    cfg,
		server:    appRouter.GetApp(),
		stopFuncs: stopFuncs,
	}, nil
}
