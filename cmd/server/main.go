package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"merge-relay/internal/platform/config"
	"merge-relay/internal/platform/logger"
	"merge-relay/internal/platform/metrics"
	"merge-relay/internal/relay"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnvInt("PORT", 8080)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	secret := config.GetEnv("RELAY_SECRET", "")
	tmpDir := config.GetEnv("TMP_DIR", os.TempDir())
	reencode := config.GetEnvBool("FFMPEG_REENCODE_VIDEO", false)

	log := logger.New(logLevel, logFormat)

	var sources []*relay.TokenSource

	var dropbox *relay.Dropbox
	dbxKey := config.GetEnv("DROPBOX_APP_KEY", "")
	dbxSecret := config.GetEnv("DROPBOX_APP_SECRET", "")
	dbxRefresh := config.GetEnv("DROPBOX_REFRESH_TOKEN", "")
	if dbxKey != "" && dbxSecret != "" && dbxRefresh != "" {
		dbxTokens := relay.NewTokenSource("dropbox", "https://api.dropboxapi.com/oauth2/token", dbxKey, dbxSecret, dbxRefresh, relay.AuthBasic)
		dropbox = relay.NewDropbox(dbxTokens)
		sources = append(sources, dbxTokens)
	}

	var tiktok *relay.TikTok
	ttKey := config.GetEnv("TIKTOK_CLIENT_KEY", "")
	ttSecret := config.GetEnv("TIKTOK_CLIENT_SECRET", "")
	ttRefresh := config.GetEnv("TIKTOK_REFRESH_TOKEN", "")
	if ttKey != "" && ttSecret != "" && ttRefresh != "" {
		ttTokens := relay.NewTokenSource("tiktok", "https://open.tiktokapis.com/v2/oauth/token/", ttKey, ttSecret, ttRefresh, relay.AuthForm)
		tiktok = relay.NewTikTok(ttTokens)
		sources = append(sources, ttTokens)
	}

	met := metrics.New()
	fetcher := relay.NewFetcher(dropbox, tmpDir, log)
	merger := relay.NewMerger(tmpDir, reencode, log)
	idem := relay.NewIdempotencyStore()
	defer idem.Close()

	// Interface conversions keep nil providers nil instead of typed nils.
	var uploader relay.Uploader
	if dropbox != nil {
		uploader = dropbox
	}
	var publisher relay.Publisher
	if tiktok != nil {
		publisher = tiktok
	}

	svc := relay.NewService(fetcher, merger, uploader, publisher, idem, sources, log, met)
	h := relay.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/", h.Health)
	r.Method(http.MethodGet, "/metrics", met.Handler())
	r.Group(func(r chi.Router) {
		r.Use(relay.SecretGate(secret))
		r.Get("/wake", h.Wake)
		r.Post("/merge", h.Merge)
		if tiktok != nil {
			r.Post("/tiktok/post", h.TikTokPost)
			r.Get("/tiktok/status", h.TikTokStatus)
		}
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"tmp_dir", tmpDir,
		"dropbox_configured", dropbox != nil,
		"tiktok_configured", tiktok != nil,
		"secret_gate", secret != "",
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
