/**
 * @description
 * This is the main entry point for the verification-service. It wires the
 * configuration, database pool, RabbitMQ producer, Redis cooldown, the
 * verification state machine, the side-effect dispatcher and the HTTP API,
 * then runs until a termination signal arrives.
 */
package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/kpostekk/pjatk-cat-guard/internal/api"
	"github.com/kpostekk/pjatk-cat-guard/internal/app"
	"github.com/kpostekk/pjatk-cat-guard/internal/config"
	"github.com/kpostekk/pjatk-cat-guard/internal/store"
	"github.com/kpostekk/pjatk-cat-guard/pkg/discordclient"
	"github.com/kpostekk/pjatk-cat-guard/pkg/mailclient"
	"github.com/kpostekk/pjatk-cat-guard/pkg/rabbitmq"
)

func maskAMQPURLForLog(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.UserPassword("****", "****")
	}
	return u.String()
}

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	// If a platform-provided PORT is set, prefer it.
	if port := os.Getenv("PORT"); port != "" {
		cfg.ServerPort = port
	}

	dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to parse database URL: %v\n", err)
	}
	dbConfig.MaxConns = 10
	dbConfig.MinConns = 2
	dbConfig.MaxConnLifetime = 30 * time.Minute
	dbConfig.MaxConnIdleTime = 5 * time.Minute
	dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), dbConfig)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer dbpool.Close()
	log.Println("Database connection established")

	if err := store.EnsureSchema(context.Background(), dbpool); err != nil {
		log.Fatalf("Unable to ensure schema: %v\n", err)
	}

	log.Printf("RABBITMQ_URL (masked)=%s", maskAMQPURLForLog(cfg.RabbitMQURL))

	// Set up RabbitMQ producer; fall back to a no-op publisher on failure so
	// the outbox keeps the publish actions pending until the broker is back.
	var producer rabbitmq.Publisher
	if p, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("WARNING: Failed to connect to RabbitMQ at startup: %v. Continuing without MQ.", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		producer = p
		defer producer.Close()
		log.Println("RabbitMQ producer connected")
	}

	repo := store.NewPostgresRepository(dbpool)

	// Redis is optional; without it the OAuth cooldown is disabled.
	var cooldown app.Cooldown
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("WARNING: Invalid REDIS_URL: %v. OAuth cooldown disabled.", err)
		} else {
			client := redis.NewClient(opts)
			defer client.Close()
			cooldown = app.NewRedisCooldown(client, "gadoneko:oauth_attempt",
				cfg.OAuthAttemptLimit, time.Duration(cfg.OAuthAttemptWindowSeconds)*time.Second)
			log.Println("Redis cooldown enabled")
		}
	}

	verifier := app.NewOAuthVerifier(cfg.GoogleClientID, app.NewJWKSKeyfunc(cfg.GoogleJWKSURL))
	reviews := app.NewReviewVerifier(repo)
	service := app.NewService(repo, verifier, reviews, cooldown, cfg.VerificationBaseURL)

	discord := discordclient.NewClient(cfg.DiscordBotToken)
	mailer := mailclient.NewClient(cfg.SendGridAPIKey, cfg.MailFromEmail, cfg.MailFromName)

	dispatcher := app.NewDispatcher(repo, discord, discord, mailer, producer, app.DispatcherConfig{
		EventExchange:          cfg.EventExchange,
		ConfirmationTemplateID: cfg.ConfirmationTemplateID,
		RejectionTemplateID:    cfg.RejectionTemplateID,
		ReviewPanelURL:         cfg.ReviewPanelURL,
	})

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go dispatcher.Run(workerCtx)
	log.Println("Outbox dispatcher started")

	sweeper := app.NewSweeper(repo, cfg.SweepSchedule, time.Duration(cfg.OutboxStaleSeconds)*time.Second)
	if err := sweeper.Start(); err != nil {
		log.Fatalf("Unable to start outbox sweeper: %v\n", err)
	}
	log.Println("Outbox sweeper started")

	handler := api.NewHandler(service, repo)
	router := api.NewRouter(handler, cfg.ReviewerJWTSecret)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		log.Printf("Verification service listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Wait for termination signal to gracefully shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	stopWorkers()
	<-sweeper.Stop().Done()
	log.Println("Verification service stopped gracefully")
}
