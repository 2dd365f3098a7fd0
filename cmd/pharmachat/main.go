package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pharmachat/internal/chat"
	"pharmachat/internal/config"
	"pharmachat/internal/digest"
	"pharmachat/internal/ratelimit"
	"pharmachat/internal/server"
	"pharmachat/internal/usertoken"
	"pharmachat/internal/util"
	"pharmachat/pkg/cache"
	"pharmachat/pkg/storage"
	"pharmachat/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := util.InitLogger(cfg.LogLevel)

	tokens, err := usertoken.NewCodec(cfg.JWTSecret, config.Duration(cfg.JWTExpiry, 24*time.Hour))
	if err != nil {
		util.Fatal("failed to init token codec", "err", err)
	}

	gormStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	var msgCache *cache.Cache
	if cfg.RedisAddr != "" {
		msgCache = cache.New(cfg.RedisAddr, cfg.RedisPassword, config.Duration(cfg.CacheTTL, 5*time.Minute))
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		minioStore, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			util.Fatal("failed to init object store", "err", err)
		}
		objects = minioStore
	}

	msgLimiter, err := ratelimit.NewSlidingWindowLimiter(cfg.MessageRateLimit, config.Duration(cfg.MessageRateWindow, 10*time.Second))
	if err != nil {
		util.Fatal("failed to init message rate limiter", "err", err)
	}
	var httpLimiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		httpLimiter, err = ratelimit.NewFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.HTTPRateLimit, config.Duration(cfg.HTTPRateWindow, time.Minute))
		if err != nil {
			util.Fatal("failed to init http rate limiter", "err", err)
		}
	}

	broadcaster := chat.NewBroadcaster()
	registry := chat.NewRegistry(gormStore)
	dispatcher := chat.NewDispatcher(gormStore, registry, broadcaster, msgLimiter, msgCache, logger)

	generator := digest.NewGenerator(gormStore, gormStore, broadcaster, logger)

	httpServer := server.New(server.Config{
		Store:       gormStore,
		Tokens:      tokens,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Digest:      generator,
		Cache:       msgCache,
		Objects:     objects,
		HTTPLimiter: httpLimiter,
		CORSOrigin:  cfg.CORSOrigin,
		Log:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := generator.Start(ctx, digest.Crons{
		Daily:   cfg.DailyDigestCron,
		Weekly:  cfg.WeeklyDigestCron,
		Monthly: cfg.MonthlyDigestCron,
	}); err != nil {
		util.Fatal("failed to start digest schedulers", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:        addr,
		Handler:     httpServer.Router(),
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: the websocket endpoint holds connections open.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("chat server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
