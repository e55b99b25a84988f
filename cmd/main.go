package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fathima-sithara/messaging-core/internal/api"
	"github.com/fathima-sithara/messaging-core/internal/auth"
	"github.com/fathima-sithara/messaging-core/internal/cache"
	"github.com/fathima-sithara/messaging-core/internal/config"
	"github.com/fathima-sithara/messaging-core/internal/directory"
	"github.com/fathima-sithara/messaging-core/internal/events"
	"github.com/fathima-sithara/messaging-core/internal/gateway"
	"github.com/fathima-sithara/messaging-core/internal/hub"
	"github.com/fathima-sithara/messaging-core/internal/kafka"
	"github.com/fathima-sithara/messaging-core/internal/metrics"
	"github.com/fathima-sithara/messaging-core/internal/presence"
	"github.com/fathima-sithara/messaging-core/internal/repository"
	"github.com/fathima-sithara/messaging-core/internal/service"
	"github.com/fathima-sithara/messaging-core/internal/typing"
	"github.com/fathima-sithara/messaging-core/internal/utils"
	"github.com/fathima-sithara/messaging-core/internal/ws"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := utils.NewLogger(cfg.App.Development(), cfg.Log.Level)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("messaging-core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	verifier, err := auth.FromConfig(cfg.JWT)
	if err != nil {
		return fmt.Errorf("jwt validator: %w", err)
	}

	var mongoDB *mongo.Database
	if cfg.Store.Driver == "mongo" || cfg.Directory.Source == "mongo" {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mc, err := mongo.Connect(cctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err == nil {
			err = mc.Ping(cctx, nil)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		mongoDB = mc.Database(cfg.Mongo.Database)
		defer func() { _ = mc.Disconnect(context.Background()) }()
	}

	store, err := openStore(ctx, cfg, mongoDB, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close(context.Background()) }()

	var rc *cache.Client
	if cfg.Redis.Enabled() {
		rdb, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer func(r *redis.Client) { _ = r.Close() }(rdb)
		rc = cache.New(rdb, cfg.Redis.Prefix)
	}

	dir, err := openDirectory(cfg, mongoDB, rc, logger)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop()
	if cfg.Kafka.Enabled() {
		p := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, logger.Named("kafka"))
		defer func() { _ = p.Close() }()
		publisher = p
	}

	pres := presence.NewRegistry()
	h := hub.New()
	svc := service.New(service.Deps{
		Store:          store,
		Presence:       pres,
		Hub:            h,
		Typing:         typing.NewRegistry(),
		Directory:      dir,
		Events:         publisher,
		Log:            logger.Named("service"),
		PersistTimeout: cfg.PersistTimeout,
		SearchLimit:    cfg.Chat.SearchLimit,
		BacklogBatch:   cfg.Chat.BacklogBatch,
	})

	gwOpts := gateway.Options{
		Verifier:       verifier,
		Service:        svc,
		Store:          store,
		Presence:       pres,
		Hub:            h,
		Directory:      dir,
		Log:            logger.Named("gateway"),
		PersistTimeout: cfg.PersistTimeout,
	}
	apiOpts := api.Options{
		Verifier: verifier,
		Service:  svc,
		Presence: pres,
		WS: ws.Options{
			PingInterval:   cfg.PingInterval,
			WriteDeadline:  cfg.WriteDeadline,
			MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
			SendBuffer:     cfg.WS.SendBuffer,
			RatePerSec:     cfg.WS.RateLimitPerSec,
		},
		ConversationPage: cfg.Chat.ConversationPage,
		Log:              logger.Named("api"),
	}
	if rc != nil {
		gwOpts.LastSeen = rc
		apiOpts.LastSeen = rc
		apiOpts.Limiter = rc
		apiOpts.RateLimit = cfg.RateLimit.Requests
		apiOpts.RateWindow = cfg.RateLimitWindow
	}
	apiOpts.Session = gateway.New(gwOpts)
	app := api.NewServer(ctx, apiOpts)

	if cfg.Kafka.Enabled() {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicConversations, cfg.Kafka.GroupID,
			svc.Conversations, logger.Named("kafka"))
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.App.PortString()
		logger.Info("starting messaging-core", zap.String("addr", addr), zap.String("store", cfg.Store.Driver))
		errCh <- app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(sctx); err != nil {
		logger.Warn("error shutting down server", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, db *mongo.Database, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Store.Driver {
	case "mongo":
		return repository.NewMongoStore(ctx, db, repository.MongoOptions{
			ConversationCollection: cfg.Mongo.ConversationColl,
			MessageCollection:      cfg.Mongo.MessageColl,
			OpTimeout:              cfg.PersistTimeout,
			Logger:                 logger.Named("mongo"),
		})
	case "pebble":
		if err := os.MkdirAll(cfg.Pebble.Path, 0o755); err != nil {
			return nil, fmt.Errorf("pebble dir: %w", err)
		}
		return repository.OpenPebbleStore(cfg.Pebble.Path)
	default:
		return repository.NewMemoryStore(), nil
	}
}

func openDirectory(cfg *config.Config, db *mongo.Database, rc *cache.Client, logger *zap.Logger) (directory.Directory, error) {
	var dir directory.Directory
	switch cfg.Directory.Source {
	case "mongo":
		dir = directory.NewMongoDirectory(db, cfg.Mongo.UserColl)
	case "http":
		var resolver directory.Resolver
		if cfg.Directory.ConsulAddr != "" {
			cr, err := directory.NewConsulResolver(cfg.Directory.ConsulAddr, cfg.Directory.ConsulService, 30*time.Second, logger.Named("consul"))
			if err != nil {
				return nil, fmt.Errorf("consul resolver: %w", err)
			}
			resolver = cr
		} else {
			resolver = directory.Static(cfg.Directory.BaseURL)
		}
		dir = directory.NewHTTPDirectory(resolver, directory.HTTPOptions{
			Timeout:     cfg.DirectoryTimeout,
			MaxFailures: cfg.Directory.MaxFailures,
			OpenFor:     cfg.BreakerOpen,
		}, logger.Named("directory"))
	default:
		return directory.Nop(), nil
	}
	if rc != nil {
		dir = directory.NewCached(dir, rc, cfg.DirectoryTTL, logger.Named("directory"))
	}
	return dir, nil
}
