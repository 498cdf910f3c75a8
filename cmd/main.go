package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"storyos/server/internal/config"
	"storyos/server/internal/engine"
	"storyos/server/internal/generators"
	"storyos/server/internal/interfaces"
	"storyos/server/internal/llm"
	"storyos/server/internal/logger"
	"storyos/server/internal/metrics"
	"storyos/server/internal/prompts"
	"storyos/server/internal/storage"
	"storyos/server/internal/visualization"
	"storyos/server/internal/web"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := logger.New(logger.Config{})
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: logOutput(cfg.Logging.Output),
	})

	m := metrics.New(prometheus.DefaultRegisterer)

	// Story store
	var store interfaces.StoryStore
	storeLog := logger.Component(log, "storage")
	if cfg.Database.Driver == "memory" {
		store = storage.NewMemoryStore()
		log.Warn().Msg("using in-memory store, sessions are lost on restart")
	} else {
		db, err := storage.OpenGorm(cfg.Database.Driver, cfg.Database.DSN, storage.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
		}
		gormStore := storage.NewGormStore(db, storeLog)
		defer gormStore.Close()

		if cfg.Database.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := gormStore.Migrate(ctx)
			cancel()
			if err != nil {
				log.Fatal().Err(err).Msg("failed to migrate database")
			}
		}
		store = gormStore
		log.Info().Str("driver", cfg.Database.Driver).Msg("database connected")
	}

	// Redis backs the turn lock, the image URL cache and cross-node notifications
	var (
		locker   interfaces.TurnLocker
		urlCache generators.URLCache = generators.NewMemoryURLCache(1000, cfg.Redis.CacheTTL)
		bus      web.EventBus
	)
	if cfg.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			LockTTL:  cfg.Engine.TurnLockTTL,
			CacheTTL: cfg.Redis.CacheTTL,
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, falling back to in-process locks")
		} else {
			defer redisStore.Close()
			locker, urlCache, bus = redisStore, redisStore, redisStore
			log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connected")
		}
	}

	// Completion engine
	llmClient := llm.NewClient(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey,
		Model:        cfg.LLM.Model,
		SummaryModel: cfg.LLM.SummaryModel,
		ImageModel:   cfg.Images.Model,
		ImageSize:    cfg.Images.Size,
		MaxTokens:    cfg.LLM.MaxTokens,
		Temperature:  cfg.LLM.Temperature,
		Timeout:      cfg.LLM.Timeout,
		RateLimit:    cfg.LLM.RateLimit,
		MaxRetries:   cfg.LLM.MaxRetries,
	}, logger.Component(log, "llm"))
	if !llmClient.Available() {
		log.Warn().Msg("no OpenAI API key configured, turns will be rejected")
	}

	// Prompts
	templates := prompts.NewTemplateEngine()
	if err := templates.InitializeDefaultTemplates(); err != nil {
		log.Fatal().Err(err).Msg("failed to register prompt templates")
	}
	if n, err := templates.ImportDir(cfg.Prompts.TemplateDir); err != nil {
		log.Fatal().Err(err).Msg("failed to import prompt templates")
	} else if n > 0 {
		log.Info().Int("count", n).Str("dir", cfg.Prompts.TemplateDir).Msg("prompt templates imported")
	}
	archetypes, err := prompts.LoadArchetypes(cfg.Prompts.ArchetypesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load archetypes")
	}
	assembler := prompts.NewAssembler(templates, logger.Component(log, "prompts"))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Images
	var queue *generators.ImageQueue
	if cfg.Images.Enabled {
		genLog := logger.Component(log, "generators")
		queue = generators.NewImageQueue(
			generators.NewCachedGenerator(llmClient, urlCache, genLog),
			generators.QueueOptions{MaxWorkers: cfg.Images.MaxWorkers, MaxQueueSize: cfg.Images.MaxQueueSize},
			m, genLog,
		)
		queue.Start(ctx)
	}

	visuals := visualization.New(visualization.Deps{
		Store:     store,
		LLM:       llmClient,
		Assembler: assembler,
		Queue:     queue,
		Metrics:   m,
		Log:       logger.Component(log, "visualization"),
	}, visualization.Options{
		DefaultPrompt: cfg.Prompts.VisualizationPrompt,
		ImageSize:     cfg.Images.Size,
		AutoRender:    cfg.Images.AutoRender,
	})

	deps := engine.Deps{
		Store:      store,
		LLM:        llmClient,
		Assembler:  assembler,
		Archetypes: archetypes,
		Locker:     locker,
		Metrics:    m,
		Log:        logger.Component(log, "engine"),
	}
	if cfg.Engine.Visualize {
		deps.Visualizer = visuals
	}
	eng := engine.New(deps, engine.Options{
		SaveAttempts:     cfg.Engine.SaveAttempts,
		SaveBackoff:      cfg.Engine.SaveBackoff,
		NarratorRules:    cfg.Prompts.NarratorRules,
		DefaultGameSpeed: cfg.Engine.DefaultGameSpeed,
		DefaultArchetype: cfg.Engine.DefaultArchetype,
	})

	webLog := logger.Component(log, "web")
	hub := web.NewSessionHub(bus, webLog)
	visuals.SetNotifier(hub)

	router := web.NewRouter(web.Deps{
		Engine:   eng,
		Store:    store,
		LLM:      llmClient,
		Visuals:  visuals,
		Queue:    queue,
		Hub:      hub,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
		Log:      webLog,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	// websocket turns are not covered by Shutdown, and NDJSON clients may have left early
	if err := eng.Wait(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("turns still running at shutdown")
	}

	visuals.Wait()
	if queue != nil {
		queue.Stop()
	}
	stop()

	log.Info().Msg("server stopped")
}

// logOutput maps the logging.output setting to a writer. Empty means stdout.
func logOutput(target string) io.Writer {
	switch target {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Warn().Err(err).Str("path", target).Msg("cannot open log file, using stdout")
		return os.Stdout
	}
	return f
}
