package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-dm/internal/chat"
	"go-dm/internal/config"
	"go-dm/internal/db"
	"go-dm/internal/domain"
	"go-dm/internal/fanout"
	"go-dm/internal/presence"
	"go-dm/internal/registry"
	badgerstore "go-dm/internal/store/badger"
	"go-dm/internal/store/memory"
	"go-dm/internal/store/postgres"
	"go-dm/internal/user"

	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config & Flags
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr := flag.String("addr", cfg.Addr, "http service address")
	flag.Parse()

	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Persistence
	gw, err := openGateway(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing store...")
		_ = gw.Close()
	}()

	// 3. Fan-out, optionally relayed through Redis
	rooms := fanout.NewRooms(log)
	var out fanout.Broadcaster = rooms
	relayDone := make(chan struct{})
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if _, err := redisClient.Ping(ctx).Result(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer redisClient.Close()
		log.Info("✅ Connected to Redis", "addr", cfg.RedisAddr, "channel", cfg.RedisChannel)

		relay := fanout.NewRedisRelay(redisClient, cfg.RedisChannel, rooms, log)
		out = relay
		go func() {
			defer close(relayDone)
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Redis relay stopped, delivering to local connections only", "error", err)
			}
		}()
	} else {
		close(relayDone)
	}

	// 4. Presence & routing
	audience, err := presence.NewAudience(cfg.PresenceAudience, gw)
	if err != nil {
		return err
	}
	tracker := presence.NewTracker(gw, out, audience, log)
	trackerCtx, stopTracker := context.WithCancel(context.Background())
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(trackerCtx)
	}()

	var routerOpts []chat.RouterOption
	routerOpts = append(routerOpts, chat.WithHistoryLimit(cfg.HistoryLimit))
	if cfg.ReadReceipts {
		routerOpts = append(routerOpts, chat.WithReadReceiptHook(chat.RoomReceiptHook{Out: out}))
	}
	router := chat.NewRouter(gw, gw, out, log, routerOpts...)

	hub := chat.NewHub(rooms, registry.New(tracker), tracker, router, chat.ClientOptions{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		WriteWait:        cfg.WriteWait,
		MaxMessageSize:   cfg.MaxMessageSize,
		SendBufferSize:   cfg.SendBufferSize,
	}, log)

	// 5. Features
	userService := user.NewService(gw, gw, tracker, hub, cfg.JWTSecret, cfg.AuthTokenDuration, log)
	userHandler := user.NewHandler(userService, log)
	chatHandler := chat.NewHandler(hub, chat.NewReactions(gw, gw), cfg.Origins(), log)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           routes(gw, userService, userHandler, chatHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("🚀 Server starting", "addr", *addr, "store", cfg.StoreDriver, "audience", cfg.PresenceAudience)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		stopTracker()
		<-trackerDone
		return fmt.Errorf("http server: %w", err)
	}

	// 6. Drain: stop accepting, hang up sockets, flush presence, then close the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Warn("Some connections did not close in time", "error", err)
	}
	stopTracker()
	<-trackerDone
	<-relayDone
	log.Info("Program stopped cleanly")
	return nil
}

func openGateway(ctx context.Context, cfg config.Config, log *slog.Logger) (domain.Gateway, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		database, err := db.NewDatabase(cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to DB: %w", err)
		}
		log.Info("✅ Connected to PostgreSQL")
		if err := database.AutoMigrate(ctx); err != nil {
			_ = database.Close()
			return nil, err
		}
		log.Info("✅ Database Schema Initialized")
		return postgres.New(database.Conn), nil

	case config.DriverBadger:
		store, err := badgerstore.Open(cfg.BadgerFilepath, log)
		if err != nil {
			return nil, err
		}
		log.Info("✅ Opened BadgerDB", "path", cfg.BadgerFilepath)
		return store, nil

	default:
		log.Warn("Using the in-memory store, data is lost on exit")
		return memory.New(), nil
	}
}
