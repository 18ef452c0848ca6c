package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whisp.exchange/config"
	"whisp.exchange/internal/api"
	"whisp.exchange/internal/blob"
	"whisp.exchange/internal/crypto"
	"whisp.exchange/internal/engine"
	"whisp.exchange/internal/logging"
	"whisp.exchange/internal/store"

	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	log := logging.Init(cfg.Env)

	records := initRecordStore(cfg)
	defer records.Close()

	blobs := initBlobStore(cfg)
	defer blobs.Close()

	eng := engine.New(records, blobs, engine.Config{
		MaxFileSize:   cfg.Blob.MaxFileSize,
		SweepInterval: cfg.Secrets.CleanupInterval,
		Logger:        log,
	})
	defer eng.Close()

	router := api.SetupRouter(eng, cfg)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("server starting",
			"addr", cfg.Addr(),
			"base_url", cfg.Server.BaseURL,
			"store", cfg.Store.Type,
			"blob", cfg.Blob.Type,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}

func initRecordStore(cfg *config.Config) store.RecordStore {
	switch cfg.Store.Type {
	case "redis":
		st, err := store.NewRedisStore(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		if err != nil {
			slog.Error("redis connection failed", "error", err)
			os.Exit(1)
		}
		return st
	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Store.SQLite.Path)
		if err != nil {
			slog.Error("sqlite setup failed", "error", err)
			os.Exit(1)
		}
		return st
	default:
		return store.NewMemoryStore()
	}
}

func initBlobStore(cfg *config.Config) blob.Store {
	// The blob cap applies to stored ciphertext, which outgrows the
	// plaintext by the AEAD overhead.
	maxSize := cfg.Blob.MaxFileSize + crypto.Overhead

	switch cfg.Blob.Type {
	case "s3":
		st, err := blob.NewS3Store(context.Background(), blob.S3Config{
			Region:    cfg.Blob.S3.Region,
			Bucket:    cfg.Blob.S3.Bucket,
			AccessKey: cfg.Blob.S3.AccessKey,
			SecretKey: cfg.Blob.S3.SecretKey,
			Endpoint:  cfg.Blob.S3.Endpoint,
		}, maxSize)
		if err != nil {
			slog.Error("s3 setup failed", "error", err)
			os.Exit(1)
		}
		return st
	default:
		st, err := blob.NewFSStore(cfg.Blob.Dir, maxSize)
		if err != nil {
			slog.Error("blob storage setup failed", "error", err)
			os.Exit(1)
		}
		return st
	}
}
