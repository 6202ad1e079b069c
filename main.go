package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-membership/internal/analytics"
	"ms-membership/internal/analytics/analytics_api"
	"ms-membership/internal/attendance"
	"ms-membership/internal/auth"
	"ms-membership/internal/config"
	"ms-membership/internal/database/migrations"
	"ms-membership/internal/events"
	eventdb "ms-membership/internal/events/db"
	"ms-membership/internal/events/event_api"
	"ms-membership/internal/kafka"
	"ms-membership/internal/logger"
	"ms-membership/internal/middleware"
	"ms-membership/internal/notification"
	"ms-membership/internal/order"
	orderdb "ms-membership/internal/order/db"
	"ms-membership/internal/order/order_api"
	orderredis "ms-membership/internal/order/redis"
	paymenthandlers "ms-membership/internal/payment/handler"
	"ms-membership/internal/payment/services"
	"ms-membership/internal/registration"
	regdb "ms-membership/internal/registration/db"
	regredis "ms-membership/internal/registration/redis"
	"ms-membership/internal/registration/registration_api"
	"ms-membership/internal/tracker"
	"ms-membership/internal/utils"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func verifyConnections(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*bun.DB, *redis.Client) {
	var sqldb *sql.DB
	var err error
	maxRetries := cfg.Database.MaxRetries

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	logger.Info("DATABASE", "PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}

	logger.Info("DATABASE", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, redisClient.Options().DB))
	return bunDB, redisClient
}

func newVerifier(ctx context.Context, cfg config.AuthConfig, logger *logger.Logger) auth.Verifier {
	if cfg.SkipVerify {
		logger.Warn("AUTH", "AUTH_SKIP_VERIFY is set, tokens are parsed without signature checks")
		return auth.UnverifiedParser{}
	}
	verifier, err := auth.NewOIDCVerifier(ctx, cfg.Issuer, cfg.ClientID)
	if err != nil {
		logger.Fatal("AUTH", fmt.Sprintf("Failed to set up OIDC verifier for %s: %v", cfg.Issuer, err))
	}
	return verifier
}

// newProvider returns the configured payment gateway and, for Stripe, its webhook parser.
func newProvider(cfg *config.Config, redisClient *redis.Client, logger *logger.Logger) (services.Provider, paymenthandlers.WebhookParser) {
	switch cfg.Payment.Provider {
	case "stripe":
		stripe, err := services.NewStripeService(cfg.Payment.Stripe, cfg.Payment.Currency, logger)
		if err != nil {
			logger.Fatal("PAYMENT", fmt.Sprintf("Failed to initialize Stripe: %v", err))
		}
		return stripe, stripe
	case "vipps":
		store := services.NewRedisTokenStore(redisClient, "vipps:access_token")
		return services.NewVippsService(cfg.Payment.Vipps, store, logger), nil
	default:
		logger.Fatal("CONFIG", fmt.Sprintf("Unknown PAYMENT_PROVIDER %q", cfg.Payment.Provider))
		return nil, nil
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println(".env file not found, using environment variables")
	}
	cfg := config.Load()

	logger := logger.NewLogger(cfg.Log.Dir, cfg.Log.Name)
	defer logger.Close()
	logger.Info("APP", "Starting membership service initialization")

	reporter, err := tracker.New(cfg.Sentry.DSN, cfg.Sentry.Environment, logger)
	if err != nil {
		logger.Fatal("TRACKER", fmt.Sprintf("Failed to initialize error tracking: %v", err))
	}
	defer reporter.Flush(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, logger)
	defer bunDB.Close()
	defer redisClient.Close()

	if cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(bunDB, logger)
		if err := runner.MigrateUp(); err != nil {
			logger.Fatal("MIGRATE", err.Error())
		}
		if err := runner.Close(); err != nil {
			logger.Warn("MIGRATE", fmt.Sprintf("Failed to close migrator: %v", err))
		}
	}

	// A nil publisher keeps notifications in-process.
	var publisher interface {
		Publish(ctx context.Context, topic, key string, value []byte) error
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()
		topics := []string{cfg.Kafka.Topics.Notifications, cfg.Kafka.Topics.OrderEvents}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			logger.Info("KAFKA", "Required topics ensured successfully")
		}
		publisher = producer
	} else {
		logger.Warn("KAFKA", "Kafka disabled, events are not published")
	}

	hub := notification.NewHub()
	dispatcher := notification.NewDispatcher(publisher, hub, cfg.Kafka.Topics.Notifications, logger)

	tickets, err := attendance.NewQRGenerator(cfg.QRSecretKey)
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Invalid QR secret: %v", err))
	}

	provider, webhooks := newProvider(cfg, redisClient, logger)
	scheduler := orderredis.NewScheduler(redisClient, logger)
	orderService := order.NewOrderService(
		orderdb.New(bunDB),
		provider,
		scheduler,
		publisher,
		reporter,
		order.Options{
			MerchantSerialNumber: cfg.Payment.Vipps.MerchantSerialNumber,
			Currency:             cfg.Payment.Currency,
			Topic:                cfg.Kafka.Topics.OrderEvents,
		},
		logger,
	)

	lock := regredis.NewEventLock(redisClient, cfg.Registration.LockTTL, cfg.Registration.LockWait, logger)
	registrationService := registration.NewService(regdb.New(bunDB), lock, orderService, dispatcher, tickets, reporter, logger)
	orderService.SetRegistrations(registrationService)

	eventService := events.NewService(eventdb.New(bunDB), cfg.PublicURL, logger)
	analyticsService := analytics.NewService(analytics.NewDB(bunDB))

	limiter := middleware.NewRateLimiter(cfg.Registration.RatePerMinute, cfg.Registration.RateBurst, logger)
	registrationHandler := registration_api.NewHandler(registrationService, orderService, limiter.Handler, reporter, cfg.Auth.AdminRole, logger)
	eventHandler := event_api.NewHandler(eventService, reporter, cfg.Auth.AdminRole, logger)
	orderHandler := order_api.NewHandler(orderService, reporter, cfg.Auth.AdminRole, logger)
	analyticsHandler := analytics_api.NewHandlerWithRedis(analyticsService, cfg.Auth.AdminRole, logger, redisClient, cfg.AnalyticsCacheTTL)
	paymentEngine := paymenthandlers.NewEngine(paymenthandlers.NewPaymentHandler(orderService, webhooks, reporter, logger))
	verifier := newVerifier(ctx, cfg.Auth, logger)

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// --- Public Routes ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := bunDB.PingContext(r.Context()); err != nil {
			utils.WriteError(w, http.StatusServiceUnavailable, "Database unavailable", "")
			return
		}
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			utils.WriteError(w, http.StatusServiceUnavailable, "Redis unavailable", "")
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
	})
	r.Mount("/api/payments", paymentEngine)
	logger.Info("ROUTER", "Payment callbacks registered under /api/payments")

	// --- Protected Routes ---
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, logger))
		logger.Info("AUTH", "JWT middleware applied to protected API routes")

		r.Route("/api", func(r chi.Router) {
			r.Route("/events", eventHandler.Routes(registrationHandler.EventRoutes))
			r.Route("/registrations", registrationHandler.Routes)
			r.Route("/orders", orderHandler.Routes)
			r.Route("/analytics", analyticsHandler.RegisterRoutes)
			r.Method(http.MethodGet, "/notifications/stream", notification.NewStreamHandler(hub, logger))
		})
		logger.Info("ROUTER", "Event, registration, order, analytics and notification routes registered under /api")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		// The SSE stream is long lived; other handlers finish well inside the read timeout.
		WriteTimeout: 0,
	}

	logger.Info("REDIS", "Starting payment check listener")
	if err := scheduler.EnableNotifications(ctx); err != nil {
		logger.Warn("REDIS", fmt.Sprintf("Failed to enable keyspace notifications, relying on the sweep: %v", err))
	}
	go func() {
		err := scheduler.Listen(ctx, orderService.CheckPayment)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("REDIS", fmt.Sprintf("Payment check listener stopped: %v", err))
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.Registration.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := orderService.SweepExpired(ctx, now.UTC()); err != nil && ctx.Err() == nil {
					logger.Error("TASK", fmt.Sprintf("Order sweep failed: %v", err))
				}
				if n := limiter.Cleanup(); n > 0 {
					logger.Debug("RATE_LIMIT", fmt.Sprintf("Dropped %d idle limiters", n))
				}
			}
		}
	}()

	go func() {
		logger.Info("HTTP", fmt.Sprintf("Membership service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	cancel()
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		logger.Info("HTTP", "Membership service shutdown complete")
	}
}
