package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"marketchat/internal/auth"
	"marketchat/internal/chat"
	"marketchat/internal/config"
	"marketchat/internal/db"
	myMiddleware "marketchat/internal/middleware"
	"marketchat/internal/mongodb"
	"marketchat/internal/obs"
	"marketchat/internal/presence"
	"marketchat/internal/user"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// backend is the storage selected by STORE_BACKEND.
type backend struct {
	chatRepo chat.Repository
	userRepo user.Repository
	close    func(ctx context.Context) error
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		database, err := db.NewDatabase(cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := database.AutoMigrate(ctx); err != nil {
			_ = database.Close()
			return nil, err
		}
		logger.Info("connected to postgres")
		return &backend{
			chatRepo: chat.NewRepository(database.Conn),
			userRepo: user.NewRepository(database.Conn),
			close:    func(context.Context) error { return database.Close() },
		}, nil

	case config.BackendMongo:
		client, err := mongodb.New(cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		chatRepo := chat.NewMongoRepository(client.DB)
		userRepo := user.NewMongoRepository(client.DB)
		if err := chatRepo.EnsureIndexes(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, err
		}
		if err := userRepo.EnsureIndexes(ctx); err != nil {
			_ = client.Close(ctx)
			return nil, err
		}
		logger.Info("connected to mongo", "database", cfg.MongoDB)
		return &backend{chatRepo: chatRepo, userRepo: userRepo, close: client.Close}, nil

	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		return &backend{
			chatRepo: chat.NewMemoryRepository(),
			userRepo: user.NewMemoryRepository(),
			close:    func(context.Context) error { return nil },
		}, nil
	}
}

func run() (int, error) {
	// 1. Config & logger
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, err
	}
	level, _ := cfg.Level()
	logger := obs.NewLogger(cfg.Env, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	storage, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := storage.close(closeCtx); err != nil {
			logger.Error("closing storage", "error", err)
		}
	}()

	// 3. Redis presence, optional
	var tracker presence.Tracker = presence.NewMemoryTracker()
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return exitRuntime, fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		tracker = presence.NewRedisTracker(redisClient, cfg.PresenceTTL)
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
	}

	// 4. Session authenticator
	authenticator, err := auth.NewAuthenticator(auth.Options{
		KeyID:  cfg.JWTKeyID,
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.TokenTTL,
		Logger: logger,
	})
	if err != nil {
		return exitConfig, err
	}

	// 5. User feature
	userService := user.NewService(storage.userRepo, authenticator, logger)
	userHandler := user.NewHandler(userService, logger)

	// 6. Chat feature
	opts := []chat.Option{chat.WithTimeout(cfg.StoreTimeout), chat.WithLogger(logger)}
	hub := chat.NewHub(logger)
	chatStore := chat.NewStore(storage.chatRepo, hub, opts...)
	gateway := chat.NewGateway(chat.GatewayConfig{
		Hub:           hub,
		Store:         chatStore,
		Auth:          authenticator,
		Presence:      tracker,
		HideForbidden: cfg.HideForbidden,
		SendBuffer:    cfg.WSSendBuffer,
		AuthTimeout:   cfg.WSAuthTimeout,
		Logger:        logger,
	})
	chatHandler := chat.NewHandler(chat.HandlerConfig{
		Store:           chatStore,
		Directory:       chat.NewDirectory(storage.chatRepo, userService, opts...),
		History:         chat.NewHistory(storage.chatRepo, userService, cfg.MaxPageSize, opts...),
		Gateway:         gateway,
		Presence:        tracker,
		DefaultPageSize: cfg.DefaultPageSize,
		HideForbidden:   cfg.HideForbidden,
		Logger:          logger,
	})

	authMiddleware := myMiddleware.NewAuthMiddleware(authenticator, logger)
	health := obs.Health{Ready: func(ctx context.Context) error {
		if err := chatStore.Ping(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}}
	reqMiddleware := obs.Middleware{Logger: logger}

	// 7. Routes
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(reqMiddleware.RequestID)
	r.Use(reqMiddleware.RequestLog)
	r.Use(middleware.Recoverer)

	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/health", health.Livez)
	r.Get("/ready", health.Readyz)
	r.Get("/ws", chatHandler.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.HTTPAddr, "backend", cfg.StoreBackend)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return exitRuntime, fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	// 8. Graceful shutdown: stop accepting requests, then drop live connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	hub.Close()

	logger.Info("server stopped")
	return exitOK, nil
}
