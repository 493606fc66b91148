package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatguard/internal/bot"
	"chatguard/internal/captcha"
	"chatguard/internal/classifier"
	"chatguard/internal/config"
	"chatguard/internal/contentai"
	"chatguard/internal/dedup"
	"chatguard/internal/dispatch"
	"chatguard/internal/escalation"
	"chatguard/internal/history"
	"chatguard/internal/identity"
	"chatguard/internal/metrics"
	"chatguard/internal/model"
	"chatguard/internal/moderation"
	"chatguard/internal/modules/audit"
	"chatguard/internal/platform"
	"chatguard/internal/reputation"
	"chatguard/internal/schedule"
	"chatguard/internal/storage"
	"chatguard/internal/telegram"
	"chatguard/internal/trust"
	"chatguard/internal/trustcache"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// eventSource is a platform adapter: a transport plus a loop that feeds
// translated events to a handler.
type eventSource interface {
	platform.Transport
	Run(ctx context.Context, handle func(ctx context.Context, ev model.Event)) error
}

type telegramSource struct{ *telegram.Client }

func (s telegramSource) Run(ctx context.Context, handle func(ctx context.Context, ev model.Event)) error {
	return s.Client.Run(ctx, handle)
}

type discordSource struct{ *bot.Bot }

func (s discordSource) Run(ctx context.Context, handle func(ctx context.Context, ev model.Event)) error {
	return s.Bot.Run(ctx, handle)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	trusted, err := storage.OpenSet(ctx, store, storage.SetTrustedUsers, logger)
	if err != nil {
		logger.Fatal("trusted users load failed", zap.Error(err))
	}
	banned, err := storage.OpenSet(ctx, store, storage.SetBannedUsers, logger)
	if err != nil {
		logger.Fatal("banned users load failed", zap.Error(err))
	}
	badMessages, err := storage.OpenSet(ctx, store, storage.SetBadMessages, logger)
	if err != nil {
		logger.Fatal("bad messages load failed", zap.Error(err))
	}

	source, err := openSource(cfg, logger)
	if err != nil {
		logger.Fatal("platform init failed", zap.Error(err))
	}

	m := metrics.New()
	sched := schedule.New(schedule.System(), logger.Named("schedule"))
	auditSink := audit.NewSink(store, source, cfg.Audit, logger.Named("audit"))

	var oracle trustcache.Oracle
	var rep *reputation.Client
	if cfg.Reputation.Enabled {
		rep = reputation.NewClient(cfg.Reputation.BaseURL, cfg.Reputation.BanlistURL, cfg.Reputation.Timeout)
		oracle = rep
	}
	bans := trustcache.New(cfg.TrustCache, oracle, banned, logger.Named("trustcache"))
	if cfg.Reputation.Timeout > 0 {
		bans.WithOracleTimeout(cfg.Reputation.Timeout)
	}
	counter := trust.NewCounter(cfg.Moderation, trusted, logger.Named("trust"))
	dedupCache := dedup.New(cfg.Dedup.Window, cfg.Dedup.SweepInterval, logger.Named("dedup"))
	recent := history.New(cfg.History.Window, cfg.History.SweepInterval, logger.Named("history"))

	var lookup moderation.IdentityLookup
	if c := identity.NewClient(cfg.Identity.URL, cfg.Identity.Token, 5*time.Second); c != nil {
		lookup = c
	}
	var scorer moderation.Classifier
	var labeler escalation.Labeler
	if c := classifier.NewClient(cfg.Classifier.URL, cfg.Classifier.Timeout); c != nil {
		scorer, labeler = c, c
	}
	var content moderation.ContentOracle
	var profiles escalation.ProfileClearer
	if c := contentai.NewClient(cfg.ContentAI); c != nil {
		content, profiles = c, c
	}

	gate := captcha.NewGate(cfg.Captcha, captcha.Deps{
		Transport: source,
		Bans:      bans,
		Approvals: counter,
		Identity:  lookup,
		Scheduler: sched,
		Audit:     auditSink,
		Metrics:   m,
	}, logger.Named("captcha"))

	pipeline, err := moderation.NewPipeline(cfg, moderation.Deps{
		Transport:   source,
		Bans:        bans,
		Trust:       counter,
		Identity:    lookup,
		Classifier:  scorer,
		Content:     content,
		BadMessages: badMessages,
		Dedup:       dedupCache,
		Metrics:     m,
	}, logger.Named("moderation"))
	if err != nil {
		logger.Fatal("pipeline init failed", zap.Error(err))
	}

	engine := escalation.NewEngine(cfg.Moderation, escalation.Deps{
		Transport:   source,
		Audit:       auditSink,
		History:     recent,
		Bans:        bans,
		Trust:       counter,
		Labeler:     labeler,
		Profiles:    profiles,
		Dedup:       dedupCache,
		BadMessages: badMessages,
		Scheduler:   sched,
		Metrics:     m,
	}, logger.Named("escalation"))

	dispatcher := dispatch.New(cfg.Dispatch, dispatch.Deps{
		Transport: source,
		Gate:      gate,
		Pipeline:  pipeline,
		Escalator: engine,
		History:   recent,
		Metrics:   m,
	}, logger.Named("dispatch"))

	if rep != nil {
		go preloadBanlist(ctx, rep, bans, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { bans.Run(gctx); return nil })
	g.Go(func() error { dedupCache.Run(gctx); return nil })
	g.Go(func() error { recent.Run(gctx); return nil })
	g.Go(func() error { gate.Run(gctx); return nil })
	g.Go(func() error { cleanupAuditLogs(gctx, store, cfg.RetentionDays, logger); return nil })
	g.Go(func() error { return source.Run(gctx, dispatcher.Dispatch) })

	var server *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", m.Handler())
		server = &http.Server{Addr: cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}
	logger.Info("chatguard started")

	if err := g.Wait(); err != nil {
		logger.Error("run loop failed", zap.Error(err))
	}
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	done := make(chan struct{})
	go func() {
		dispatcher.Close()
		sched.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out with work in flight")
	}
}

func openSource(cfg config.Config, logger *zap.Logger) (eventSource, error) {
	if cfg.Telegram.Token != "" {
		client, err := telegram.New(cfg.Telegram, logger.Named("telegram"))
		if err != nil {
			return nil, err
		}
		if cfg.Discord.Token != "" {
			logger.Warn("both platform tokens set, using telegram")
		}
		return telegramSource{client}, nil
	}
	b, err := bot.New(cfg.Discord, logger.Named("discord"))
	if err != nil {
		return nil, err
	}
	return discordSource{b}, nil
}

func preloadBanlist(ctx context.Context, rep *reputation.Client, bans *trustcache.Cache, logger *zap.Logger) {
	ids, err := rep.FetchBanlist(ctx)
	if err != nil {
		logger.Warn("banlist preload failed", zap.Error(err))
		return
	}
	added := bans.Preload(ctx, ids)
	logger.Info("banlist preloaded", zap.Int("received", len(ids)), zap.Int("added", added))
}

func cleanupAuditLogs(ctx context.Context, store *storage.Store, retentionDays int, logger *zap.Logger) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		if err := store.CleanupAuditLogs(ctx, retentionDays); err != nil && ctx.Err() == nil {
			logger.Warn("audit cleanup failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
