package main

import (
	"context"
	"expvar"
	"log"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/talkline/relay/internal/infrastructure/auth"
	"github.com/talkline/relay/internal/infrastructure/configs"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/infrastructure/messaging"
	"github.com/talkline/relay/internal/infrastructure/metrics"
	"github.com/talkline/relay/internal/infrastructure/ratelimiter"
	"github.com/talkline/relay/internal/infrastructure/tracing"
	"github.com/talkline/relay/internal/infrastructure/ws"
	"github.com/talkline/relay/internal/persistence/db"
	"github.com/talkline/relay/internal/persistence/repository"
	"github.com/talkline/relay/internal/presentation/api"
	"github.com/talkline/relay/internal/presentation/handler/health"
	"github.com/talkline/relay/internal/presentation/handler/messages"
	"github.com/talkline/relay/internal/presentation/handler/presence"
	websocketHandler "github.com/talkline/relay/internal/presentation/handler/websocket"
	"github.com/talkline/relay/internal/relay"
)

const serviceName = "talkline-relay"

func main() {
	tracerCfg := tracing.NewDefaultConfig(serviceName)

	sh, err := tracing.InitTracer(tracerCfg)
	if err != nil {
		log.Fatalf("Failed to initialize the tracer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer sh(ctx)

	configPath := configs.DetermineConfigPath()
	cfg, err := configs.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.NewLogger(&logging.LoggerConfig{
		FilePath: cfg.Logger.FilePath,
		Encoding: cfg.Logger.Encoding,
		Level:    cfg.Logger.Level,
		Logger:   cfg.Logger.Logger,
	})
	logger.Init()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// ---------- Durable presence store ----------
	mongoCfg := &db.MongoConfig{
		URI:               cfg.Mongo.URI,
		Database:          cfg.Mongo.Database,
		ConnectionTimeout: cfg.Mongo.ConnectionTimeout,
	}
	mongoClient, err := db.NewMongoClient(ctx, mongoCfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := db.DisconnectMongo(context.Background(), mongoClient); err != nil {
			logger.Errorf("mongo disconnect failed: %v", err)
		}
	}()

	statusRepo := repository.NewUserStatusRepository(db.GetDatabase(mongoClient, mongoCfg))
	if err := statusRepo.EnsureIndexes(ctx); err != nil {
		logger.Warnf("could not ensure presence indexes: %v", err)
	}

	// ---------- Shared state (Redis) ----------
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	var sharedCounter relay.ConnCounter
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn(logging.Redis, logging.ExternalService, "redis unreachable at startup, presence counters are process-local", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	} else {
		sharedCounter = relay.NewRedisConnCounter(redisClient, cfg.Presence.CounterTTL)
	}

	// ---------- Relay core ----------
	registryCore := relay.NewRegistry(logger, m)
	tracker := relay.NewTracker(relay.TrackerOptions{
		Store:        statusRepo,
		Shared:       sharedCounter,
		OfflineGrace: cfg.Presence.OfflineGrace,
		WriteTimeout: cfg.Presence.WriteTimeout,
	}, logger, m)
	engine := relay.NewEngine(registryCore, logger, m)

	// ---------- Cross-process bridge ----------
	backbone := messaging.NewRabbitMQ(messaging.Config{
		URI:          cfg.Bridge.URI,
		Exchange:     cfg.Bridge.Exchange,
		ReconnectMin: cfg.Bridge.ReconnectMin,
		ReconnectMax: cfg.Bridge.ReconnectMax,
	}, logger)
	defer backbone.Close()

	bridge := relay.NewBridge(backbone, engine, tracker, logger, m)
	go backbone.Start(ctx, bridge.HandleMessage)

	registryCore.AddListener(tracker)
	registryCore.AddListener(bridge)
	tracker.Notify(engine.BroadcastPresence)
	tracker.Notify(bridge.PublishPresence)

	core := relay.NewCore(registryCore, tracker, engine, bridge, logger, m)

	// ---------- Identity verification ----------
	var verifier auth.Verifier
	if cfg.Auth.Secret != "" {
		verifier = auth.NewJWTVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience)
	} else {
		logger.Warn(logging.General, logging.Startup, "no auth secret configured, trusting claimed identities", nil)
		verifier = auth.TrustingVerifier{}
	}

	// ---------- HTTP shell ----------
	healthH := health.NewHandler(backbone)
	messagesH := messages.NewHandler(core)
	presenceH := presence.NewHandler(core, statusRepo)
	wsH := websocketHandler.NewHandler(core, verifier, ws.Options{
		SetupTimeout: cfg.Relay.SetupTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		SendBuffer:   cfg.Relay.SendBuffer,
		PingInterval: cfg.Relay.PingInterval,
	}, cfg.HTTP.AllowedOrigins, logger)

	rl := ratelimiter.New(ratelimiter.Options{
		MaxRatePerSecond: cfg.RateLimiter.MaxRatePerSecond,
		MaxBurst:         cfg.RateLimiter.MaxBurst,
		Cache:            ratelimiter.NewRedisCache(redisClient, "relay"),
		CacheTTL:         cfg.RateLimiter.CacheTTL,
		SourceHeaderKey:  cfg.RateLimiter.SourceHeaderKey,
	})

	app := api.NewApplication(*cfg, *healthH, *messagesH, *presenceH, *wsH, registry, logger, rl, func() {
		core.Shutdown("server shutting down")
	})

	expvar.Publish("goroutines", expvar.Func(func() any {
		return runtime.NumGoroutine()
	}))

	mux := app.Mount()
	if err := app.Run(mux); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}
