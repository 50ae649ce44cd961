package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"restaurant-payments/internal/auth"
	"restaurant-payments/internal/catalog"
	"restaurant-payments/internal/config"
	"restaurant-payments/internal/database"
	"restaurant-payments/internal/gateway"
	"restaurant-payments/internal/idempotency"
	"restaurant-payments/internal/logger"
	"restaurant-payments/internal/messaging"
	"restaurant-payments/internal/services/notification"
	"restaurant-payments/internal/services/payment"
)

func main() {
	// Parse command line flags
	var (
		mode          = flag.String("mode", "", "Service mode (payment-service, notification-subscriber)")
		port          = flag.Int("port", 3000, "HTTP port")
		maxConcurrent = flag.Int("max-concurrent", 50, "Maximum concurrent payment submissions")
		prefetch      = flag.Int("prefetch", 1, "RabbitMQ prefetch count")
	)
	flag.Parse()

	// Validate required mode flag
	if *mode == "" {
		fmt.Fprintf(os.Stderr, "Error: --mode flag is required\n")
		flag.Usage()
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log := logger.New(*mode)
	requestID := logger.GenerateRequestID()

	log.Info("service_started", fmt.Sprintf("Starting %s", *mode), requestID, map[string]interface{}{
		"mode": *mode,
		"port": *port,
	})

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("graceful_shutdown", "Received shutdown signal", requestID, nil)
		cancel()
	}()

	// Route to appropriate service
	switch *mode {
	case "payment-service":
		if err := runPaymentService(ctx, cfg, log, *port, *maxConcurrent); err != nil {
			log.Error("service_failed", "Payment service failed", requestID, err, nil)
			os.Exit(1)
		}
	case "notification-subscriber":
		if err := runNotificationSubscriber(ctx, cfg, log, *prefetch); err != nil {
			log.Error("service_failed", "Notification subscriber failed", requestID, err, nil)
			os.Exit(1)
		}
	default:
		log.Error("validation_failed", fmt.Sprintf("Unknown mode: %s", *mode), requestID, nil, nil)
		os.Exit(1)
	}

	log.Info("service_stopped", "Service stopped gracefully", requestID, nil)
}

// runPaymentService runs the payment HTTP API
func runPaymentService(ctx context.Context, cfg *config.Config, log *logger.Logger, port, maxConcurrent int) error {
	requestID := logger.GenerateRequestID()

	// Initialize database
	db, err := database.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	log.Info("db_connected", "Connected to PostgreSQL database", requestID, nil)

	// Run database migrations
	if err := db.RunMigrations(ctx, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize messaging
	conn, err := messaging.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}
	defer conn.Close()

	log.Info("rabbitmq_connected", "Connected to RabbitMQ", requestID, nil)

	publisher := messaging.NewPublisher(conn, log)

	// Attempt dedup and session lookups share the Redis instance
	attempts := idempotency.NewStore(cfg.RedisAddr(), "payment-service")
	defer attempts.Close()

	if err := attempts.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("redis_connected", "Connected to Redis", requestID, nil)

	sessions := auth.NewSessionStore(cfg.RedisAddr())
	defer sessions.Close()

	// Gateway client is built from config and injected; nothing holds it
	// as process-wide state
	gw := gateway.New(cfg, log)

	// Initialize service and handler
	repo := payment.NewRepository(db)
	dishes := catalog.NewStore(db)
	service := payment.NewService(gw, dishes, repo, attempts, publisher, log)
	handler := payment.NewHandler(service, gw, sessions, db, log, maxConcurrent)

	// Setup HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.SetupRoutes(),
	}

	// Start HTTP server in goroutine
	go func() {
		log.Info("service_started", fmt.Sprintf("Payment service started on port %d", port), requestID, map[string]interface{}{
			"port":           port,
			"max_concurrent": maxConcurrent,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server_failed", "HTTP server failed", requestID, err, nil)
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	return server.Shutdown(shutdownCtx)
}

// runNotificationSubscriber runs the email dispatch worker
func runNotificationSubscriber(ctx context.Context, cfg *config.Config, log *logger.Logger, prefetch int) error {
	requestID := logger.GenerateRequestID()

	conn, err := messaging.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging: %w", err)
	}
	defer conn.Close()

	log.Info("rabbitmq_connected", "Connected to RabbitMQ", requestID, nil)

	consumer := messaging.NewConsumer(conn, log, messaging.NotificationsQueue, "notification-subscriber", prefetch)
	mailer := notification.NewMailer(cfg)
	subscriber := notification.NewSubscriber(consumer, mailer, log)

	if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
