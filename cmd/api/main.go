package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httptransport "github.com/spec-kit/storefront-chat/internal/api/http"
	"github.com/spec-kit/storefront-chat/internal/api/http/handlers"
	"github.com/spec-kit/storefront-chat/internal/auth"
	"github.com/spec-kit/storefront-chat/internal/config"
	"github.com/spec-kit/storefront-chat/internal/domain"
	"github.com/spec-kit/storefront-chat/internal/events"
	"github.com/spec-kit/storefront-chat/internal/observability"
	"github.com/spec-kit/storefront-chat/internal/persistence"
	"github.com/spec-kit/storefront-chat/internal/ratelimit"
	"github.com/spec-kit/storefront-chat/internal/realtime"
	"github.com/spec-kit/storefront-chat/internal/repository"
	"github.com/spec-kit/storefront-chat/internal/repository/memstore"
	"github.com/spec-kit/storefront-chat/internal/service"
	"github.com/spec-kit/storefront-chat/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// repositories groups the storage backends the services run on.
type repositories struct {
	users         repository.UserRepository
	staff         repository.StaffRepository
	sessions      repository.ChatSessionRepository
	messages      repository.ChatMessageRepository
	cursors       repository.ReadCursorRepository
	notifications repository.NotificationRepository
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if pg.Enabled() && cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(cfg.Redis, logger)
	defer redis.Close()

	repos := buildRepositories(pg)
	metrics := observability.NewMetrics()
	dispatcher := events.NewInMemoryDispatcher(logger)

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTLMinutes)
	authService := service.NewAuthService(cfg.Auth, service.AuthDependencies{
		UserRepo:     repos.users,
		StaffRepo:    repos.staff,
		TokenManager: tokens,
	})
	seedAdmin(ctx, authService, cfg.Auth, logger)

	limiter := ratelimit.New(redis.Client, ratelimit.FixedWindowStrategy{}, ratelimit.Options{
		Prefix: "chat:send",
		Limit:  cfg.Chat.SendRateLimit,
		Window: cfg.Chat.SendRateWindow(),
	}, logger)

	chatService := service.NewChatService(cfg.Chat, service.ChatDependencies{
		SessionRepo: repos.sessions,
		MessageRepo: repos.messages,
		CursorRepo:  repos.cursors,
		Dispatcher:  dispatcher,
		Limiter:     limiter,
		Logger:      logger,
	})
	notificationService := service.NewNotificationService(service.NotificationDependencies{
		Dispatcher:       dispatcher,
		NotificationRepo: repos.notifications,
		UserRepo:         repos.users,
		MessageRepo:      repos.messages,
		Mailer:           service.NewMailer(cfg.Notification, logger),
		Logger:           logger,
	})
	notifyWorker := worker.StartNotificationWorker(ctx, dispatcher, notificationService, logger,
		cfg.Notification.QueueSize, cfg.Notification.Workers)

	hub := realtime.NewHub()
	transport, err := buildTransport(ctx, cfg.Realtime, redis, logger)
	if err != nil {
		logger.Fatal("failed to init realtime transport", zap.Error(err))
	}
	bridge := realtime.NewBridge(transport, cfg.Realtime.Topic, hub, logger)
	bridge.RegisterHandlers(dispatcher)
	if err := bridge.Start(ctx); err != nil {
		logger.Fatal("failed to start realtime bridge", zap.Error(err))
	}

	sweeper := worker.NewSessionSweeper(chatService, cfg.Chat, logger)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("failed to start session sweeper", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
	})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	streamHandler := handlers.NewStreamHandler(chatService, hub, cfg.Realtime.Heartbeat(), logger)
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:         handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, pg, redis, cfg.Realtime.Transport == "redis", metrics),
		Auth:           handlers.NewAuthHandler(authService, cfg.Auth.CookieName, cfg.Auth.CookieSecure),
		Chat:           handlers.NewChatHandler(chatService, metrics),
		Stream:         streamHandler,
		Notifications:  handlers.NewNotificationsHandler(notificationService),
		AuthMiddleware: auth.NewAuthMiddleware(tokens, repos.users, repos.staff, cfg.Auth.CookieName),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr()))
		return app.Listen(cfg.App.Addr())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		streamHandler.Close()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}

	sweeper.Stop()
	notifyWorker.Stop()
	if err := transport.Close(); err != nil {
		logger.Warn("realtime transport close", zap.Error(err))
	}
	bridge.Wait()
}

func buildRepositories(pg *persistence.Postgres) repositories {
	if !pg.Enabled() {
		store := memstore.New()
		return repositories{
			users:         store.Users(),
			staff:         store.Staff(),
			sessions:      store.Sessions(),
			messages:      store.Messages(),
			cursors:       store.Cursors(),
			notifications: store.Notifications(),
		}
	}
	pool := pg.PoolHandle()
	return repositories{
		users:         repository.NewUserRepository(pool),
		staff:         repository.NewStaffRepository(pool),
		sessions:      repository.NewChatSessionRepository(pool),
		messages:      repository.NewChatMessageRepository(pool),
		cursors:       repository.NewReadCursorRepository(pool),
		notifications: repository.NewNotificationRepository(pool),
	}
}

func buildTransport(ctx context.Context, cfg config.RealtimeConfig, redis *persistence.Redis, logger *zap.Logger) (realtime.Transport, error) {
	if cfg.Transport == "redis" {
		return realtime.NewRedisTransport(ctx, redis.Client, realtime.RedisTransportConfig{
			Topic:       cfg.Topic,
			GroupPrefix: cfg.GroupPrefix,
			MaxLen:      cfg.StreamMaxLen,
		}, logger)
	}
	return realtime.NewMemoryTransport(logger), nil
}

func seedAdmin(ctx context.Context, authService *service.AuthService, cfg config.AuthConfig, logger *zap.Logger) {
	if cfg.SeedAdminEmail == "" || cfg.SeedAdminPassword == "" {
		return
	}
	created, err := authService.EnsureStaff(ctx, cfg.SeedAdminName, cfg.SeedAdminEmail, cfg.SeedAdminPassword, domain.StaffRoleAdmin)
	if err != nil {
		logger.Error("failed to seed admin", zap.String("email", cfg.SeedAdminEmail), zap.Error(err))
		return
	}
	if created {
		logger.Info("seeded admin account", zap.String("email", cfg.SeedAdminEmail))
	}
}
