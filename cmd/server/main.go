package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/antonioobaid/linkly/internal/chat"
	"github.com/antonioobaid/linkly/internal/config"
	"github.com/antonioobaid/linkly/internal/db"
	"github.com/antonioobaid/linkly/internal/inbox"
	"github.com/antonioobaid/linkly/internal/logging"
	myMiddleware "github.com/antonioobaid/linkly/internal/middleware"
	"github.com/antonioobaid/linkly/internal/notify"
	"github.com/antonioobaid/linkly/internal/user"
)

func main() {
	// 1. Config & Flags
	envFile := flag.String("env", ".env", "optional dotenv file")
	addr := flag.String("addr", "", "http service address (overrides ADDR)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logging.Fatal().Err(err).Msg("❌ invalid configuration")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Fatal().Err(err).Msg("❌ server stopped")
	}
	logging.Info().Msg("👋 server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	g, ctx := errgroup.WithContext(ctx)

	// 2. Storage (Platform Layer)
	var (
		store   chat.Store
		userDir user.Directory
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		store = chat.NewMemoryStore()
		userDir = user.NewMemoryDirectory()
		logging.Warn().Msg("⚠️ using in-memory store, data is lost on restart")
	default:
		database, err := db.NewDatabase(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer database.Close()
		logging.Info().Msg("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		logging.Info().Msg("✅ Database Schema Initialized")
		store = chat.NewRepository(database.Conn)
		userDir = user.NewRepository(database.Conn)
	}

	// 3. Realtime fan-out: local hub, optionally bridged through Redis
	hub := chat.NewHub()
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	var broker chat.Broker = chat.NewLocalBroker(hub)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		defer redisClient.Close()
		logging.Info().Str("addr", cfg.RedisAddr).Msg("✅ Connected to Redis")

		redisBroker := chat.NewRedisBroker(redisClient, hub)
		g.Go(func() error { return redisBroker.Subscribe(ctx, nil) })
		broker = redisBroker
	}

	// 4. Notifications
	pusher := notify.NewPusher(cfg.OneSignalAppID, cfg.OneSignalAPIKey)
	var notifier chat.Notifier
	switch cfg.NotifyQueue {
	case config.NotifyQueueAsynq:
		trigger := notify.NewQueueTrigger(cfg.RedisAddr)
		defer trigger.Close()
		worker := notify.NewWorker(cfg.RedisAddr, pusher, cfg.NotifyWorkers)
		g.Go(func() error { return worker.Run(ctx) })
		notifier = trigger
	default:
		trigger := notify.NewAsyncTrigger(pusher, cfg.NotifyWorkers, cfg.NotifyQueueSize)
		g.Go(func() error {
			trigger.Run(ctx)
			return nil
		})
		notifier = trigger
	}

	// 5. Features
	userService := user.NewService(userDir, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	relay := chat.NewRelay(store, broker, notifier, cfg.RelayPersistTimeout)
	chatHandler := chat.NewHandler(hub, relay, store, cfg.Origins())

	inboxHandler := inbox.NewHandler(inbox.NewAggregator(store, userService))

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		// WebSocket (Real-time)
		r.Get("/ws", chatHandler.ServeWs)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(cfg.RateLimitRPM, time.Minute))

			r.Get("/api/users/search", userHandler.SearchUsers)
			r.Get("/api/conversations", inboxHandler.ListConversations)
			r.Post("/api/conversations", chatHandler.StartConversation)
			r.Get("/api/conversations/{id}/messages", chatHandler.GetChatHistory)
			r.Delete("/api/conversations/{id}", chatHandler.DeleteConversation)
		})
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logging.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Bool("push", cfg.PushEnabled()).Msg("🚀 Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
