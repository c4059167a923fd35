package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"clinichat/internal/app"
	"clinichat/internal/config"
	"clinichat/internal/ratelimit"
	"clinichat/internal/server"
	"clinichat/internal/usertoken"
	"clinichat/internal/util"
	"clinichat/pkg/directory"
	"clinichat/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   30 * time.Second,
	})
	if err != nil {
		fatal("failed to init token verifier", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		fatal("failed to init store", err)
	}
	dir := directory.NewGormDirectory(dataStore.DB())

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}

	var unread *app.UnreadCache
	var pollLimiter *ratelimit.FixedWindowLimiter
	if redisClient != nil {
		unread = app.NewUnreadCache(redisClient, 30*time.Second)
		if cfg.PollRateLimit > 0 {
			pollLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "clinichat:ratelimit", cfg.PollRateLimit, time.Minute)
			if err != nil {
				fatal("failed to init rate limiter", err)
			}
		}
	}

	appCore, err := app.New(app.Config{
		Store:     dataStore,
		Directory: dir,
		Unread:    unread,
	})
	if err != nil {
		fatal("failed to init app", err)
	}

	httpServer := server.New(server.Config{
		App:                   appCore,
		TokenVerifier:         tokenVerifier,
		PollLimiter:           pollLimiter,
		TrustForwardedHeaders: cfg.TrustForwardedHeaders,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("messaging server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
