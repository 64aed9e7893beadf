package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"sudooom.im.presence/internal/api"
	"sudooom.im.presence/internal/auth"
	"sudooom.im.presence/internal/cache"
	"sudooom.im.presence/internal/config"
	"sudooom.im.presence/internal/connection"
	"sudooom.im.presence/internal/fanout"
	"sudooom.im.presence/internal/health"
	"sudooom.im.presence/internal/metrics"
	"sudooom.im.presence/internal/presence"
	"sudooom.im.presence/internal/relay"
	"sudooom.im.presence/internal/room"
	"sudooom.im.presence/internal/service"
	"sudooom.im.presence/internal/snowflake"
	"sudooom.im.presence/internal/store"
	"sudooom.im.presence/internal/store/memory"
	"sudooom.im.presence/internal/store/postgres"
	"sudooom.im.presence/internal/store/sqlite"
	"sudooom.im.presence/internal/transport/wt"
	"sudooom.im.presence/internal/transport/ws"
	"sudooom.im.presence/internal/workerpool"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	// .env 可选
	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sf, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	messageStore, closeStore, err := openStore(ctx, cfg, sf)
	if err != nil {
		logger.Error("Failed to open message store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	logger.Info("Message store ready", "driver", cfg.Storage.Driver)

	m := metrics.New()
	pool := workerpool.New(cfg.Limits.Workers, cfg.Limits.WorkerQueue, logger)
	defer pool.Shutdown()

	registry := connection.NewRegistry()
	membership := room.NewMembership()
	m.RegisterGauges(registry.Count, registry.Users, func() int { return membership.Stats().Rooms })

	checker := health.NewChecker(cfg.NodeName(), registry).
		Require("storage", messageStore.Ping)

	// 集群转发（可选）
	var publisher fanout.Publisher
	var cluster *relay.Relay
	var natsProbe health.Probe
	if cfg.NATS.Enabled {
		natsClient, err := relay.NewClient(cfg.NATS)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)

		cluster = relay.New(natsClient.Conn(), cfg.NodeName(), relay.Config{
			WorkerCount: cfg.NATS.Workers,
			BufferSize:  cfg.NATS.BufferSize,
		}, m)
		publisher = cluster
		natsProbe = func(context.Context) error {
			if !natsClient.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	checker.Optional("nats", natsProbe)

	broadcaster := fanout.NewBroadcaster(membership, registry, publisher, m)

	// Redis 会话索引和在线目录（可选）
	svcOpts := []service.Option{
		service.WithPool(pool),
		service.WithPersistTimeout(cfg.Storage.PersistTimeout),
		service.WithMetrics(m),
	}
	orchOpts := []presence.Option{
		presence.WithPool(pool),
		presence.WithMetrics(m),
	}
	deps := api.Deps{
		Node:       cfg.NodeName(),
		Registry:   registry,
		Membership: membership,
		Health:     checker,
		Metrics:    m,
	}
	var redisProbe health.Probe
	if cfg.Redis.Enabled {
		redisClient := cache.NewClient(cfg.Redis)
		defer redisClient.Close()
		logger.Info("Connected to Redis", "host", cfg.Redis.Host)

		index := cache.NewConversationIndex(redisClient)
		directory := cache.NewPresenceDirectory(redisClient, cfg.NodeName(), cfg.Redis.PresenceTTL)
		go directory.Run(ctx, registry.UserIDs)

		svcOpts = append(svcOpts, service.WithTracker(index))
		orchOpts = append(orchOpts, presence.WithPresenceTracker(directory))
		deps.Conversations = index
		deps.Presence = directory
		redisProbe = pingRedis(redisClient)
	}
	checker.Optional("redis", redisProbe)

	if tokens := auth.NewService(cfg.Auth.TokenSecret, cfg.Auth.TokenExpire); tokens != nil {
		orchOpts = append(orchOpts, presence.WithAuthenticator(tokens))
		deps.Tokens = tokens
		logger.Info("Token authentication enabled")
	}

	messages := service.NewMessageService(messageStore, membership, registry, broadcaster, svcOpts...)
	orch := presence.NewOrchestrator(registry, membership, messages, presence.Config{
		EventsPerSecond: cfg.Limits.EventsPerSecond,
		Burst:           cfg.Limits.Burst,
	}, orchOpts...)
	broadcaster.SetEvictor(orch)

	if cluster != nil {
		if err := cluster.Start(ctx, func(ctx context.Context, aud fanout.Audience, frame []byte) {
			m.Relayed("in")
			broadcaster.DeliverLocal(ctx, aud, frame)
		}); err != nil {
			logger.Error("Failed to start relay", "error", err)
			os.Exit(1)
		}
		defer cluster.Stop()
	}

	// 空闲连接检测
	heartbeat := connection.NewHeartbeatChecker(registry, cfg.Server.IdleTimeout, cfg.Server.IdleTimeout/2, logger)
	go heartbeat.Start(ctx)

	deps.History = messages
	deps.WebSocket = ws.NewHandler(orch, ws.OptionsFrom(cfg.Server))
	deps.Peers = orch.Peers

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(cfg, deps),
	}
	go func() {
		logger.Info("HTTP server started", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	var wtServer *wt.Server
	if cfg.WebTransport.Enabled {
		wtServer = wt.NewServer(cfg.WebTransport, cfg.Server, orch)
		go func() {
			if err := wtServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("WebTransport server failed", "error", err)
			}
		}()
	}

	logger.Info("Presence service started", "node", cfg.NodeName())

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", "error", err)
	}
	if wtServer != nil {
		wtServer.Shutdown()
	}
	orch.Shutdown()
	cancel()
	logger.Info("Presence service stopped")
}

// openStore 按配置选择存储后端，返回的函数释放资源
func openStore(ctx context.Context, cfg *config.Config, sf *snowflake.Node) (store.MessageStore, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		s := postgres.New(db, sf, postgres.BatcherConfig{
			BatchSize:     cfg.Storage.Batcher.BatchSize,
			FlushInterval: cfg.Storage.Batcher.FlushInterval,
		})
		return s, func() {
			s.Close()
			db.Close()
		}, nil

	case "sqlite":
		s, err := sqlite.Open(cfg.Storage.SQLite.Path, sf)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil

	default:
		s := memory.New(sf)
		return s, func() { s.Close() }, nil
	}
}

func pingRedis(client *redis.Client) health.Probe {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
