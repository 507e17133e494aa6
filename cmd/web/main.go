package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/techize/batchivo-sub001/internal/config"
	"github.com/techize/batchivo-sub001/internal/handler"
	"github.com/techize/batchivo-sub001/internal/logging"
	"github.com/techize/batchivo-sub001/internal/remote"
	"github.com/techize/batchivo-sub001/internal/service"
	"github.com/techize/batchivo-sub001/internal/store"
	"github.com/techize/batchivo-sub001/internal/utils"
	"github.com/techize/batchivo-sub001/pkg/auth"
	"github.com/techize/batchivo-sub001/pkg/backend"
)

func main() {
	cfg := config.Load(".env")

	logger, err := logging.NewLogger(logging.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Development: cfg.LogDevelopment,
		OutputPath:  cfg.LogOutputPath,
		Service:     "run-planner",
	})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set, every API request will be rejected")
	}

	var (
		be     service.Backend
		tokens handler.TokenIssuer
		ready  func(context.Context) error
	)
	switch {
	case cfg.DatabaseURL != "":
		st, err := store.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns, logger.Named("store"))
		if err != nil {
			logger.Fatal("connect database", zap.Error(err))
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			logger.Fatal("migrate database", zap.Error(err))
		}
		be, ready = st, st.Ping
		logger.Info("using postgres backend")
	case cfg.BackendURL != "":
		client := backend.New(cfg.BackendURL, cfg.BackendAPIKey, &http.Client{Timeout: 30 * time.Second})
		be, tokens = remote.New(client, logger.Named("remote")), client
		logger.Info("using remote backend", zap.String("url", cfg.BackendURL))
	default:
		logger.Fatal("no backend configured, set DATABASE_URL or BACKEND_URL")
	}

	sessions := service.NewSessionStore(be, cfg.SessionTTL, service.WizardOptions{
		FetchTimeout: cfg.DefaultsFetchTimeout,
		Logger:       logger.Named("wizard"),
	})
	go sessions.Run(ctx, cfg.SessionSweepInterval)

	h := handler.New(handler.Options{
		Auth:     auth.NewJWT(cfg.AuthSecret, cfg.AuthIssuer, cfg.AuthAudience),
		Sessions: sessions,
		History:  be,
		Tokens:   tokens,
		Cookies: utils.CookiePolicy{
			Domain:   cfg.CookieDomain,
			Path:     cfg.CookiePath,
			SameSite: utils.ParseSameSite(cfg.CookieSameSite),
		},
		Logger:          logger.Named("http"),
		HistoryCacheTTL: cfg.HistoryCacheTTL,
		SubmitTimeout:   cfg.SubmitTimeout,
		RequestTimeout:  cfg.RequestTimeout,
		Ready:           ready,
	})
	go h.Run(ctx, cfg.CachePurgeInterval)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
		cancel()
	}()

	logger.Info("starting server", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
	<-done
}
