package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/liquidityflow/liquidityflow/api"
	"github.com/liquidityflow/liquidityflow/internal/advisor"
	"github.com/liquidityflow/liquidityflow/internal/broker"
	"github.com/liquidityflow/liquidityflow/internal/bus"
	"github.com/liquidityflow/liquidityflow/internal/config"
	"github.com/liquidityflow/liquidityflow/internal/feeds"
	"github.com/liquidityflow/liquidityflow/internal/hub"
	"github.com/liquidityflow/liquidityflow/internal/store"
	"github.com/liquidityflow/liquidityflow/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Create logger
	zapLogger, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Durable store is optional; without a DSN the hub runs cache-only.
	var persister hub.Persister
	if cfg.Database.DSN != "" {
		st, err := store.Open(cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
			time.Duration(cfg.Database.ConnMaxLifetime)*time.Second,
			zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to open durable store", zap.Error(err))
		}
		persister = st
	} else {
		zapLogger.Info("No database DSN configured, persistence disabled")
	}

	// Event bus
	eventBus := newBus(cfg, zapLogger)
	defer eventBus.Close()

	// Market data hub
	marketHub := hub.New(hub.Config{
		PersistInterval:  cfg.Hub.PersistInterval,
		FreshnessWindow:  cfg.Hub.FreshnessWindow,
		OrderBookDepth:   cfg.Hub.OrderBookDepth,
		ExtremeMoveRatio: cfg.Hub.ExtremeMoveRatio,
		WideSpreadPct:    cfg.Hub.WideSpreadPct,
	}, zapLogger, eventBus, persister)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Feed adapters
	feedManager, err := feeds.NewManager(cfg.Feeds, marketHub, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to build feed adapters", zap.Error(err))
	}
	marketHub.RegisterAdapter(feedManager)
	feedManager.Start(ctx)

	// Routing advisor
	routingAdvisor := advisor.New(cfg.Advisor, marketHub, eventBus, zapLogger)

	// Subscription broker, bridged onto the event bus
	streamBroker := broker.New(cfg.Broker, cfg.JWT.Secret, marketHub.Scheduler(), zapLogger)
	if err := streamBroker.BindBus(ctx, eventBus); err != nil {
		zapLogger.Fatal("Failed to bridge event bus", zap.Error(err))
	}

	// HTTP surface
	apiServer := api.NewServer(zapLogger, marketHub, routingAdvisor, feedManager, streamBroker)
	go func() {
		if err := apiServer.Start(cfg.Server.Addr()); err != nil {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt to shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down...")

	cancel()
	streamBroker.Shutdown()
	marketHub.Shutdown()

	zapLogger.Info("Server exited properly")
}

// newBus selects the event bus backend from configuration.
func newBus(cfg *config.Config, zapLogger *zap.Logger) bus.Backend {
	switch cfg.Bus.Backend {
	case "redis":
		return bus.NewRedis(cfg.Bus.Redis.Address, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB, zapLogger)
	case "kafka":
		return bus.NewKafka(cfg.Bus.Kafka.Brokers, cfg.Bus.Kafka.Topic, cfg.Bus.Kafka.GroupID, zapLogger)
	default:
		return bus.NewMemory(zapLogger)
	}
}
