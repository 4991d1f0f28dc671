package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"scenariolab/api/internal/app"
	"scenariolab/api/internal/archive"
	"scenariolab/api/internal/auth"
	"scenariolab/api/internal/config"
	"scenariolab/api/internal/httpapi"
	"scenariolab/api/internal/logger"
	"scenariolab/api/internal/metrics"
	"scenariolab/api/internal/notify"
	"scenariolab/api/internal/reasoning"
	"scenariolab/api/internal/scenariogen"
	"scenariolab/api/internal/search"
	"scenariolab/api/internal/store"
	"scenariolab/api/internal/whatif"
)

func main() {
	bootLog := logger.New(logger.Config{})
	if err := config.LoadDotEnv(); err != nil {
		bootLog.Warn().Err(err).Msg("could not read .env file")
	}
	cfg := config.Load()
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	ctx := context.Background()
	m := metrics.New()

	var (
		dataStore store.Store
		db        *sql.DB
	)
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("using in-memory store; data is lost on restart")
		dataStore = store.NewMemoryStore()
	case "postgres":
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		dataStore = store.NewPostgresStore(db)
	default:
		log.Fatal().Str("driver", cfg.StoreDriver).Msg("unknown STORE_DRIVER")
	}

	var (
		publisher notify.Publisher
		pushFeed  httpapi.PushFeed
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisPublisher, err := notify.NewRedisPublisher(cfg.RedisURL, cfg.NotifyChannelPrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisPublisher.Close()
		publisher = redisPublisher
		pushFeed = redisPublisher
		log.Info().Msg("pushing notifications over redis pub/sub")
	}
	mailer := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	dispatcher := notify.NewDispatcher(dataStore, publisher, mailer, log.With().Str("component", "notify").Logger())

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log.With().Str("component", "meili").Logger())
		defer meiliClient.Close()
		engine = meiliClient
	}
	var fallback search.Searcher
	var pgfts *search.PgFTS
	if db != nil {
		pgfts = search.NewPgFTS(db)
		fallback = pgfts
	}
	searchService := search.NewService(engine, fallback, log.With().Str("component", "search").Logger())
	if pgfts != nil {
		go searchService.ReindexAll(ctx, pgfts)
	}

	var archiver app.Archiver
	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			log.Fatal().Err(err).Msg("failed to create archive dir")
		}
		archiver = archive.New(cfg.ArchiveDir)
	}

	service := app.New(dataStore, auth.ContextIdentity{}, app.Options{
		Notifier:     dispatcher,
		Indexer:      searchService,
		Archiver:     archiver,
		Logger:       log.With().Str("component", "ledger").Logger(),
		Metrics:      m,
		ActiveWindow: cfg.ActiveCollaboratorWindow,
	})

	opts := httpapi.Options{
		CORSOrigin: cfg.CORSOrigin,
		JWTSecret:  []byte(cfg.JWTSecret),
		Search:     searchService,
		Push:       pushFeed,
		Metrics:    m,
		Logger:     log,
	}
	if reasoner := newReasoner(ctx, cfg, m, log); reasoner != nil {
		opts.WhatIf = whatif.NewAnalyzer(service, reasoner, log)
		opts.Generator = scenariogen.New(service, reasoner, log)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewHTTPServer(service, opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// What-if runs several reasoning calls back to back.
		WriteTimeout: cfg.ReasoningTimeout*3 + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreDriver).Msg("scenariolab api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	searchService.Wait()
}

// newReasoner returns nil when no Gemini key is configured; the what-if and
// generation routes then answer 503.
func newReasoner(ctx context.Context, cfg config.Config, m *metrics.Metrics, log zerolog.Logger) reasoning.Reasoner {
	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		log.Warn().Msg("GEMINI_API_KEY not set; what-if analysis and scenario generation disabled")
		return nil
	}
	client, err := reasoning.NewGenAI(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatal().Err(err).Msg("reasoning client setup failed")
	}
	return reasoning.NewBounded(client, cfg.ReasoningTimeout, m, log.With().Str("component", "reasoning").Logger())
}
