package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/relaychat/internal/api"
	"github.com/Tyrowin/relaychat/internal/bus"
	"github.com/Tyrowin/relaychat/internal/call"
	"github.com/Tyrowin/relaychat/internal/logger"
	"github.com/Tyrowin/relaychat/internal/presence"
	"github.com/Tyrowin/relaychat/internal/rooms"
	"github.com/Tyrowin/relaychat/internal/server"
	"github.com/Tyrowin/relaychat/internal/session"
	"github.com/Tyrowin/relaychat/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	defer logger.Sync()

	cfg := server.NewConfigFromEnv()
	if cfg.ConfigFile != "" {
		loaded, err := server.LoadConfigFile(cfg.ConfigFile, *cfg)
		if err != nil {
			logger.Fatal("Failed to load config file", zap.String("path", cfg.ConfigFile), zap.Error(err))
		}
		cfg = loaded
	}
	logger.SetLevel(cfg.LogLevel)
	server.SetConfig(cfg)
	active := server.CurrentConfig()

	logger.Info("Starting relaychat",
		zap.String("node", active.NodeID), zap.String("port", active.Port), zap.String("db", active.DBPath))

	db, err := store.Open(active.DBPath)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}

	hub := server.NewHub()
	registry := presence.New()
	router := rooms.New()
	broker := call.New(registry, call.WithRingTimeout(active.RingTimeout))

	var opts []session.Option
	var publisher *bus.Publisher
	if active.NatsURL != "" {
		publisher, err = bus.Connect(active.NatsURL, active.NodeID)
		if err != nil {
			logger.Warn("NATS unavailable; continuing without event bus", zap.Error(err))
		} else {
			registry.Subscribe(publisher)
			opts = append(opts, session.WithMessageObserver(publisher))
		}
	}

	coordinator := session.New(registry, router, broker, db, hub, opts...)
	hub.SetDispatcher(coordinator)

	var mirror *presence.RedisMirror
	if active.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     active.Redis.Addr,
			Password: active.Redis.Password,
			DB:       active.Redis.DB,
		})
		mirror, err = presence.NewRedisMirror(context.Background(), client, active.NodeID, active.PresenceTTL, registry)
		if err != nil {
			logger.Warn("Redis unavailable; presence stays local", zap.String("addr", active.Redis.Addr), zap.Error(err))
			_ = client.Close()
		} else {
			registry.Subscribe(mirror)
			logger.Info("Mirroring presence to Redis", zap.String("addr", active.Redis.Addr))
		}
	}

	var watcher *server.ConfigWatcher
	if active.ConfigFile != "" {
		watcher, err = server.WatchConfigFile(active.ConfigFile, *server.NewConfigFromEnv())
		if err != nil {
			logger.Warn("Config file will not be reloaded", zap.Error(err))
		}
	}

	if active.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := server.SetupRoutes(hub, api.NewHandler(db, registry))
	httpServer := server.CreateServer(active.Port, engine)

	server.StartHub(hub)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
		}
	}

	logger.Info("Relay state at shutdown", zap.Stringer("state", coordinator))
	_ = server.ShutdownServer(httpServer, shutdownTimeout)
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("Hub shutdown incomplete", zap.Error(err))
	}
	broker.Close()

	if watcher != nil {
		_ = watcher.Close()
	}
	if mirror != nil {
		if err := mirror.Close(); err != nil {
			logger.Warn("Closing Redis mirror", zap.Error(err))
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Warn("Draining NATS", zap.Error(err))
		}
	}
	if err := db.Close(); err != nil {
		logger.Warn("Closing database", zap.Error(err))
	}
	logger.Info("Server stopped")
}
