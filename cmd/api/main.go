package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"example.com/calendarsync/internal/api"
	"example.com/calendarsync/internal/auth"
	"example.com/calendarsync/internal/config"
	"example.com/calendarsync/internal/consumer"
	"example.com/calendarsync/internal/credentials"
	"example.com/calendarsync/internal/domain"
	"example.com/calendarsync/internal/engine"
	"example.com/calendarsync/internal/gcal"
	"example.com/calendarsync/internal/observability"
	persistence "example.com/calendarsync/internal/persistence/postgres"
	"example.com/calendarsync/internal/scheduler"
	"example.com/calendarsync/internal/statusfeed"
	"example.com/calendarsync/internal/syncstate"
	httptransport "example.com/calendarsync/internal/transport/http"
)

func main() {
	cfg := config.Load()

	logCloser := observability.ConfigureLogging(observability.LogConfig{
		File:       cfg.LogFile,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
	})
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store     syncstate.Store
		grants    credentials.GrantStore
		snapshots domain.SnapshotSource
	)
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		log.Printf("using in-memory store backend")
		store = syncstate.NewMemoryStore()
		grants = credentials.NewMemoryGrantStore()
		snapshots = domain.NewMemorySnapshots()
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		defer pool.Close()

		repo := persistence.NewRepository(pool)
		store = repo
		grants = persistence.NewGrantStore(repo)
		snapshots = persistence.NewSnapshotReader(repo)
	}

	tokens := credentials.NewManager(grants)
	if err := tokens.Initialize(credentials.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		Scope:        cfg.GoogleCalendarScope,
	}); err != nil {
		// Sync endpoints answer 503 until the service is restarted with credentials.
		log.Printf("warning: calendar credentials not configured: %v", err)
	}

	clientOpts := []gcal.Option{gcal.WithCalendarID(cfg.CalendarID)}
	if cfg.CalendarAPIEndpoint != "" {
		clientOpts = append(clientOpts, gcal.WithEndpoint(cfg.CalendarAPIEndpoint))
	}
	syncEngine := engine.New(store, gcal.NewClient(clientOpts...), engine.WithConcurrency(cfg.SyncConcurrency))

	defaultLoc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		log.Printf("warning: invalid DEFAULT_TIMEZONE %q, using UTC: %v", cfg.DefaultTimezone, err)
		defaultLoc = time.UTC
	}

	schedOpts := []scheduler.Option{
		scheduler.WithDebounce(cfg.SyncDebounce),
		scheduler.WithDefaultLocation(defaultLoc),
	}

	var producer *statusfeed.KafkaProducer
	if cfg.KafkaEnabled && cfg.StatusTopic != "" {
		producer = statusfeed.NewKafkaProducer(cfg.KafkaBrokers)
		registry := statusfeed.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
		schedOpts = append(schedOpts, scheduler.WithPublisher(statusfeed.NewPublisher(producer, registry, cfg.StatusTopic)))
	}

	sched := scheduler.New(ctx, syncEngine, tokens, store, snapshots, schedOpts...)

	var wg sync.WaitGroup
	if cfg.KafkaEnabled {
		changes := consumer.NewChangeHandler(sched)
		for _, topic := range cfg.DomainChangeTopics {
			reader := kafka.NewReader(kafka.ReaderConfig{
				Brokers:         cfg.KafkaBrokers,
				GroupID:         cfg.ConsumerGroupID,
				Topic:           topic,
				MinBytes:        1,
				MaxBytes:        10e6,
				CommitInterval:  time.Second,
				RetentionTime:   24 * time.Hour,
				ReadLagInterval: -1,
			})

			proc := consumer.NewProcessor(reader, changes)

			wg.Add(1)
			go func(topic string, r *kafka.Reader) {
				defer wg.Done()
				defer r.Close()

				log.Printf("change consumer started (topic=%s, group=%s)", topic, cfg.ConsumerGroupID)
				if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("change consumer stopped with error (topic=%s): %v", topic, err)
				}
			}(topic, reader)
		}
	}

	handler := api.NewHandler(sched, tokens)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	requestLogger := httptransport.RequestLogger(log.New(log.Writer(), "[http] ", log.LstdFlags))

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, requestLogger(httptransport.CORS(cfg.CORSOrigin)(authMiddleware.Wrap(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("calendar-sync listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	log.Println("shutdown requested")
	sched.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	cancel()
	wg.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}
	if shutdownErr != nil {
		log.Printf("graceful shutdown incomplete: %v", shutdownErr)
	}
}
