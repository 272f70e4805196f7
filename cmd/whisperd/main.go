package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"whisperim/internal/app"
	"whisperim/internal/config"
	"whisperim/internal/delivery"
	"whisperim/internal/presence"
	"whisperim/internal/push"
	"whisperim/internal/ratelimit"
	"whisperim/internal/realtime"
	"whisperim/internal/server"
	"whisperim/internal/token"
	"whisperim/internal/util"
	"whisperim/pkg/store"
)

func main() {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = config.ConfigPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	verifier, err := token.NewVerifier(cfg.JWTSecret, token.DefaultLeeway)
	if err != nil {
		util.Fatal("failed to init token verifier", "err", err)
	}

	var registry presence.Registry = presence.NewMemoryRegistry()
	var redisRegistry *presence.RedisRegistry
	if cfg.RedisAddr != "" {
		ttl := time.Duration(cfg.PresenceTTLSeconds) * time.Second
		redisRegistry = presence.NewRedisRegistry(cfg.RedisAddr, cfg.RedisPassword, ttl, slog.Default())
		registry = redisRegistry
	}

	directory := app.NewStoreDirectory(st)

	var dispatcher push.Dispatcher
	var worker *push.Worker
	if cfg.VAPIDPrivateKey != "" {
		webpushDispatcher := push.NewWebPushDispatcher(st, cfg.VAPIDSubscriber, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)
		dispatcher = webpushDispatcher
		if cfg.AMQPURL != "" {
			queueDispatcher, err := push.NewQueueDispatcher(cfg.AMQPURL, cfg.PushQueue)
			if err != nil {
				util.Fatal("failed to init push queue", "err", err)
			}
			defer queueDispatcher.Close()
			worker, err = push.NewWorker(cfg.AMQPURL, cfg.PushQueue, webpushDispatcher)
			if err != nil {
				util.Fatal("failed to init push worker", "err", err)
			}
			defer worker.Close()
			dispatcher = queueDispatcher
		}
	} else {
		slog.Warn("push disabled: no VAPID keys configured")
	}

	hub := realtime.NewHub()
	coordinator := delivery.NewCoordinator(registry, hub, dispatcher, directory)
	wsHandler := realtime.NewHandler(hub, registry, verifier, coordinator)

	var sendLimiter *ratelimit.SendLimiter
	if cfg.RedisAddr != "" && cfg.SendLimitPerMinute > 0 {
		sendLimiter, err = ratelimit.NewSendLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.SendLimitPerMinute)
		if err != nil {
			util.Fatal("failed to init send limiter", "err", err)
		}
		defer sendLimiter.Close()
	}

	httpServer := server.New(server.Config{
		App:           app.New(st, directory),
		Directory:     directory,
		Coordinator:   coordinator,
		TokenVerifier: verifier,
		Realtime:      wsHandler,
		SendLimiter:   sendLimiter,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("whisperd listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if worker != nil {
		g.Go(func() error {
			err := worker.Run(ctx)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		if redisRegistry != nil {
			_ = redisRegistry.Close()
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
