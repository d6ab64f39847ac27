package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"taskflow/api/internal/app"
	"taskflow/api/internal/blob"
	"taskflow/api/internal/config"
	"taskflow/api/internal/log"
	"taskflow/api/internal/search"
	"taskflow/api/internal/session"
	"taskflow/api/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Log.WithError(err).Fatal("invalid configuration")
	}
	log.Init("taskflow-api", version, cfg.LogLevel, cfg.LogJSON)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.Migrate(cfg.DatabaseURL, "up"); err != nil {
		log.Log.WithError(err).Fatal("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	deps := app.Dependencies{}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Log.WithError(err).Fatal("redis connection failed")
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		log.Log.Info("using redis for sessions")
	} else {
		log.Log.Info("using postgres for sessions")
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		uploader, err := blob.NewUploader(ctx, blob.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			log.Log.WithError(err).Fatal("object storage unavailable")
		}
		deps.Icons = uploader
	} else {
		log.Log.Warn("S3_ENDPOINT not set, icon uploads disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgSearch(db))
	searchService.ReindexAllFromPG(ctx)
	deps.Search = searchService

	service := app.New(*cfg, dataStore, deps)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Log.WithField("addr", cfg.Addr).Info("taskflow api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Log.WithError(err).Error("shutdown error")
	}
}
