package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/mindpulse/internal/api"
	"github.com/nidhogg/mindpulse/internal/audit"
	"github.com/nidhogg/mindpulse/internal/cognitive"
	"github.com/nidhogg/mindpulse/internal/config"
	"github.com/nidhogg/mindpulse/internal/conversation"
	"github.com/nidhogg/mindpulse/internal/dispatch"
	"github.com/nidhogg/mindpulse/internal/gateway"
	"github.com/nidhogg/mindpulse/internal/profile"
	"github.com/nidhogg/mindpulse/internal/provider"
	"github.com/nidhogg/mindpulse/internal/ratelimit"
	"github.com/nidhogg/mindpulse/internal/reminder"
	"github.com/nidhogg/mindpulse/internal/session"
	pgstore "github.com/nidhogg/mindpulse/internal/store"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/mindpulse.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mindpulse: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mindpulse: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Starting MindPulse...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Initialize PostgreSQL store
	var pg *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running with in-memory state", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Database.Postgres.Migrations); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = ps
		}
	}

	// Initialize Redis stream
	var stream *dispatch.Stream
	if cfg.Database.Redis.URL != "" {
		st, rErr := dispatch.DialStream(ctx, cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running with in-process dispatch", zap.Error(rErr))
		} else {
			stream = st
		}
	}

	engine, err := cognitive.NewEngine(cfg.Cognitive)
	if err != nil {
		logger.Fatal("invalid cognitive config", zap.Error(err))
	}

	// Profile store
	var base profile.Store = profile.NewMemoryStore()
	if pg != nil {
		base = pg
	}
	profiles := profile.NewCachedStore(base, cfg.Profile.CacheTTL.Std(), logger)

	// Rate limiting
	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimit)
	if stream != nil {
		limiter = ratelimit.NewRedis(stream.Client(), cfg.RateLimit, logger)
	}

	// Dispatch boundary
	hub := dispatch.NewHub()
	fanout := dispatch.Fanout{hub, dispatch.NewLog(logger)}
	reminders := dispatch.Reminders{dispatch.NewLog(logger)}
	var feed dispatch.Subscriber = hub
	var schedule api.ScheduleReader = hub
	var due reminder.Source = hub
	if stream != nil {
		fanout = append(fanout, stream)
		reminders = append(reminders, stream)
		feed = stream
	}
	if pg != nil {
		fanout = append(fanout, pg)
		schedule = pg
		due = pg
	}
	if notifiers := buildNotifiers(cfg.Dispatch, logger); len(notifiers) > 0 {
		fanout = append(fanout, dispatch.NewInstructor(cfg.Dispatch.MinSeverity, logger, notifiers...))
	}
	async := dispatch.NewAsync(fanout, cfg.Dispatch.QueueSize, cfg.Dispatch.Timeout.Std(), logger)

	// Signal audit trail
	sink, closeSink := buildSink(ctx, cfg.Audit, logger)

	// Sessions and ingestion
	persister := session.NewPersister(profiles, cfg.PersisterConfig(), logger)
	var gw *gateway.Gateway
	sessions := session.NewRegistry(cfg.Session.Actor(), session.Deps{
		Engine:     engine,
		Store:      profiles,
		Persister:  persister,
		Dispatcher: async,
		Logger:     logger,
		OnExit: func(sessionID string) {
			gw.EndSession(context.Background(), sessionID)
		},
	})
	gw = gateway.New(sessions, sink, cfg.Gateway.Ingest(), logger)

	// Initialize provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		if pc.APIKey == "" {
			logger.Warn("provider has no api key, skipping", zap.String("id", pc.ID))
			continue
		}
		p, pErr := provider.New(pc.Provider(), logger)
		if pErr != nil {
			logger.Warn("provider skipped", zap.String("id", pc.ID), zap.Error(pErr))
			continue
		}
		router.Register(p)
	}
	var chatProvider provider.Provider
	if router.Len() > 0 {
		chatProvider = router
	} else {
		logger.Warn("no chat providers configured, replies come from the FAQ")
	}

	faq := conversation.DefaultFAQ()
	if cfg.Conversation.FAQPath != "" {
		f, fErr := conversation.LoadFAQ(cfg.Conversation.FAQPath)
		if fErr != nil {
			logger.Warn("FAQ not loaded, using built-in answers", zap.Error(fErr))
		} else {
			faq = f
		}
	}
	var turns conversation.TurnStore = conversation.NewMemoryTurns()
	if pg != nil {
		turns = pg
	}
	chats := conversation.NewRegistry(cfg.Conversation.Actor(), conversation.Deps{
		Provider: chatProvider,
		Profiles: profiles,
		Engine:   engine,
		Limiter:  limiter,
		Turns:    turns,
		FAQ:      faq,
		Logger:   logger,
	})

	// Review reminders
	var sweeper *reminder.Sweeper
	if cfg.Reminder.Enabled {
		sweeper = reminder.NewSweeper(due, reminders, cfg.Reminder.Sweeper(), logger)
		if err := sweeper.Start(); err != nil {
			logger.Fatal("reminder sweeper", zap.Error(err))
		}
	}

	// Build HTTP handler
	handler := api.NewHandler(api.Deps{
		Sessions:       sessions,
		Gateway:        gw,
		Conversations:  chats,
		Profiles:       profiles,
		Schedule:       schedule,
		Feed:           feed,
		Engine:         engine,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("MindPulse listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down MindPulse...")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if sweeper != nil {
		if err := sweeper.Stop(sctx); err != nil {
			logger.Warn("reminder sweeper stop", zap.Error(err))
		}
	}
	if err := chats.Shutdown(sctx); err != nil {
		logger.Warn("conversation shutdown", zap.Error(err))
	}
	// Sessions flush their last batch before the writers below stop.
	if err := sessions.Shutdown(sctx); err != nil {
		logger.Warn("session shutdown", zap.Error(err))
	}
	persister.Close()
	async.Close()
	closeSink(sctx)
	if stream != nil {
		stream.Close()
	}
	if pg != nil {
		pg.Close()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func buildNotifiers(cfg config.DispatchConfig, logger *zap.Logger) []dispatch.Notifier {
	var out []dispatch.Notifier
	if cfg.Slack.Enabled && cfg.Slack.BotToken != "" {
		out = append(out, dispatch.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.Channel, logger))
	}
	if cfg.Discord.Enabled && cfg.Discord.BotToken != "" {
		d, err := dispatch.NewDiscordNotifier(cfg.Discord.BotToken, cfg.Discord.Channel, logger)
		if err != nil {
			logger.Warn("discord notifier unavailable", zap.Error(err))
		} else {
			out = append(out, d)
		}
	}
	return out
}

func buildSink(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) (audit.Sink, func(context.Context)) {
	noop := func(context.Context) {}
	switch cfg.Sink {
	case "none":
		return audit.Discard{}, noop
	case "object":
		obj, err := audit.NewObjectSink(ctx, cfg.Object, logger)
		if err != nil {
			logger.Warn("object storage unavailable, auditing to log", zap.Error(err))
			return audit.NewLogSink(logger), noop
		}
		return obj, func(ctx context.Context) {
			if err := obj.Close(ctx); err != nil {
				logger.Warn("audit flush on shutdown", zap.Error(err))
			}
		}
	default:
		return audit.NewLogSink(logger), noop
	}
}
