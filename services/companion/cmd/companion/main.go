package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"femora/internal/identity"
	"femora/internal/ratelimit"
	"femora/internal/util"
	"femora/pkg/analysis"
	"femora/pkg/events"
	"femora/pkg/statuscache"
	"femora/pkg/storage"
	"femora/pkg/store"
	"femora/services/companion/internal/config"
	"femora/services/companion/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel, "companion")

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal("failed to parse jwt leeway", "err", err)
	}
	captureInterval, err := config.ParseCaptureInterval(cfg.CaptureInterval)
	if err != nil {
		util.Fatal("failed to parse capture interval", "err", err)
	}

	verifier, err := identity.NewVerifier(identity.Config{
		JWKSURL:    cfg.JWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		util.Fatal("failed to init jwks verifier", "err", err)
	}

	var dataStore store.Store
	if cfg.DatabaseURL != "" {
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to open database", "err", err)
		}
		dataStore = gormStore
	} else {
		logger.Warn("databaseURL not set, using in-memory store")
		dataStore = store.NewMemoryStore()
	}

	var frames storage.FrameStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object storage", "err", err)
		}
		frames = minioStore
	}

	var statuses server.StatusReader
	var limiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		cache, err := statuscache.New(cfg.RedisAddr, cfg.RedisPassword, "", 0)
		if err != nil {
			util.Fatal("failed to init status cache", "err", err)
		}
		statuses = cache

		if cfg.ChatRateLimit > 0 {
			window := time.Minute
			if cfg.ChatRateWindow != "" {
				window, err = time.ParseDuration(cfg.ChatRateWindow)
				if err != nil {
					util.Fatal("failed to parse chat rate window", "err", err)
				}
			}
			limiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.ChatRateLimit, window)
			if err != nil {
				util.Fatal("failed to init rate limiter", "err", err)
			}
		}
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		exchange := cfg.EventExchange
		if exchange == "" {
			exchange = "femora.events"
		}
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, exchange)
		if err != nil {
			util.Fatal("failed to connect event broker", "err", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	httpServer, err := server.New(server.Config{
		Store:           dataStore,
		Verifier:        verifier,
		Analysis:        analysis.NewClient(cfg.AnalysisURL),
		AssistantURL:    cfg.AssistantURL,
		Frames:          frames,
		Statuses:        statuses,
		Events:          publisher,
		Logger:          logger,
		Limiter:         limiter,
		AllowedOrigins:  cfg.AllowedOrigins,
		CaptureInterval: captureInterval,
		FrameLimit:      cfg.FrameLimit,
		ScanType:        cfg.ScanType,
	})
	if err != nil {
		util.Fatal("failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("companion server listening", "addr", addr, "capture_interval", captureInterval, "frame_limit", cfg.FrameLimit)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
