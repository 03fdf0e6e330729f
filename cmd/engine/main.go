package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dialcast/internal/amd"
	"dialcast/internal/ari"
	"dialcast/internal/audit"
	"dialcast/internal/bridge"
	"dialcast/internal/campaign"
	"dialcast/internal/config"
	"dialcast/internal/flow"
	"dialcast/internal/httpapi"
	"dialcast/internal/media"
	"dialcast/internal/rating"
	"dialcast/internal/route"
	"dialcast/internal/stats"
	"dialcast/internal/trunk"
	"dialcast/internal/webhook"
	"dialcast/pkg/logger"
	"dialcast/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	ariCfg := ari.Config{
		URL:      cfg.ARI.URL,
		Username: cfg.ARI.Username,
		Password: cfg.ARI.Password,
		App:      cfg.ARI.App,
	}
	ariClient, err := ari.NewClient(ariCfg)
	if err != nil {
		log.Error("ari init failed", "err", err)
		os.Exit(1)
	}

	store := campaign.NewPostgresStore(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	recorder := stats.NewRedisRecorder(rdb, log)
	registry := route.NewRegistry()

	var tts media.Synthesizer
	if cfg.Media.TTSURL != "" {
		tts = media.NewHTTPSynthesizer(cfg.Media.TTSURL)
	}
	resolver := media.NewResolver(cfg.Media.CacheDir, tts, &media.FFmpegNormalizer{}, log)

	var transcriber amd.Transcriber
	if cfg.Media.TranscribeURL != "" {
		transcriber = amd.NewHTTPTranscriber(cfg.Media.TranscribeURL)
	}
	detector := amd.NewDetector(amd.Config{}, transcriber, log)

	renderer, err := trunk.NewRenderer()
	if err != nil {
		log.Error("trunk renderer init failed", "err", err)
		os.Exit(1)
	}
	trunkSync := trunk.NewSynchronizer(cfg.Trunk.ConfDir, renderer, &trunk.ExecReloader{}, auditSvc, log)

	webhooks, err := webhook.NewSender(cfg.Webhook, log)
	if err != nil {
		log.Error("webhook init failed", "err", err)
		os.Exit(1)
	}

	dispatcher := campaign.NewDispatcher(rootCtx, campaign.DispatcherDeps{
		Store:     store,
		Slots:     campaign.NewRedisSlots(rdb),
		Origin:    ariClient,
		Endpoints: registry,
		Counters:  recorder,
		Audit:     auditSvc,
		Log:       log,
	})
	defer dispatcher.Shutdown()

	runtime := flow.NewRuntime(rootCtx, flow.Deps{
		Control:  ariClient,
		Store:    store,
		Flows:    flow.NewDirProvider(cfg.Flow.Dir),
		Media:    resolver,
		Dialer:   bridge.NewCoordinator(ariClient, log),
		Rater:    rating.NewService(rating.NewPostgresRepo(db)),
		Webhooks: webhooks,
		Listener: dispatcher,
		Counters: recorder,
		Audit:    auditSvc,
		Log:      log,
		Config:   flow.Config{EnableLiveAMD: true},
	})

	stream := ari.NewStream(ariCfg, runtime.HandleEvent, log)
	go func() {
		if err := stream.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("event stream terminated", "err", err)
			stop()
		}
	}()

	handlers := httpapi.Handlers{
		Calls:      ariClient,
		Routes:     registry,
		Trunks:     trunkSync,
		Dispatcher: dispatcher,
		Store:      store,
		Stats:      stats.NewService(store, recorder),
		Voicemail:  detector,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, handlers, cfg.API.SharedSecret, func(ctx context.Context) error {
		return utils.PingPostgres(ctx, db, 2*time.Second)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("engine listening", "addr", srv.Addr, "env", cfg.App.Env, "ari_app", cfg.ARI.App)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
