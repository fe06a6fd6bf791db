package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sightedit/collabserver/api"
	"github.com/sightedit/collabserver/internal/config"
	"github.com/sightedit/collabserver/internal/slogging"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	logger := slogging.Get()
	defer func() { _ = logger.Close() }()

	if err := run(cfg); err != nil {
		logger.Error("server exited with error: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slogging.Get()

	redisClient := connectRedis(cfg)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	settings := api.Settings{
		AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
		RequireAuth:          cfg.Auth.Required,
		JWTSecret:            []byte(cfg.Auth.JWTSecret),
		MaxMessageBytes:      cfg.WebSocket.MaxMessageBytes,
		MessageRateLimit:     cfg.WebSocket.MessageRateLimit,
		MessageRateWindow:    cfg.WebSocket.MessageRateWindow,
		ConnectionRateLimit:  cfg.WebSocket.ConnectionRateLimit,
		ConnectionRateWindow: cfg.WebSocket.ConnectionRateWindow,
		MaxSessionsPerRoom:   cfg.WebSocket.MaxSessionsPerRoom,
		SessionIdleTimeout:   cfg.WebSocket.SessionIdleTimeout,
		RoomIdleTimeout:      cfg.WebSocket.RoomIdleTimeout,
		RoomMaxAge:           cfg.WebSocket.RoomMaxAge,
		SweepInterval:        cfg.WebSocket.SweepInterval,
		PingInterval:         30 * time.Second,
		PongWait:             60 * time.Second,
		WriteWait:            10 * time.Second,
	}

	// The event sink is where an external metrics/audit consumer plugs in;
	// the default just logs lifecycle transitions.
	sink := func(ev api.Event) {
		logger.Debug("event %s room=%s session=%s %s", ev.Kind, ev.RoomID, ev.SessionID, ev.Detail)
	}

	hub := api.NewHub(settings, redisClient, registry, sink)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", hub.HandleWS)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	srv := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Interface, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout would kill long-lived WebSocket connections; the hub
		// enforces its own per-write deadlines instead.
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper := api.NewReaper(hub)
	go reaper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collaboration server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// connectRedis returns a Redis client when an address is configured and
// reachable, nil otherwise. The connection limiter degrades to in-memory
// windows without it.
func connectRedis(cfg *config.Config) *redis.Client {
	logger := slogging.Get()
	if cfg.Redis.Addr == "" {
		logger.Info("redis not configured, connection limiter using in-memory windows")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable at %s (%v), connection limiter using in-memory windows", cfg.Redis.Addr, err)
		_ = client.Close()
		return nil
	}
	logger.Info("connected to redis at %s", cfg.Redis.Addr)
	return client
}
