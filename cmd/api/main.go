package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"imhere/internal/attendance"
	"imhere/internal/auth"
	"imhere/internal/cache"
	"imhere/internal/config"
	"imhere/internal/geocode"
	"imhere/internal/handler"
	"imhere/internal/httpmiddleware"
	"imhere/internal/logging"
	"imhere/internal/notifier"
	"imhere/internal/notify"
	"imhere/internal/queue"
	"imhere/internal/realtime"
	"imhere/internal/store"
)

const queueKey = "imhere:notifications"

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.Production())
	slog.SetDefault(logger)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var st attendance.Store
	switch cfg.StoreBackend {
	case "memory":
		st = attendance.NewMemoryStore()
		logger.Warn("using in-memory store, data is lost on restart")
	default:
		db, err := store.NewDB(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect failed: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(startCtx); err != nil {
			return err
		}
		st = attendance.NewRepository(db.Client)
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(64)
		q = mem
		// no separate worker process reads an in-memory queue
		w := notifier.New(st, notify.New(cfg.NotifyURL, cfg.NotifySecret, cfg.NotifySkip, logger), logger)
		go func() {
			if err := w.Run(ctx, mem); err != nil {
				logger.Error("in-process worker stopped", "error", err)
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queueKey, logger)
	}

	var hub realtime.Hub
	if cfg.RealtimeBackend == "memory" {
		hub = realtime.NewMemoryHub()
	} else {
		hub = realtime.NewRedisHub(redisClient.Client, logger)
	}

	var groups attendance.GroupCache = cache.Nop{}
	if cfg.StoreBackend != "memory" && cfg.CacheTTL > 0 {
		groups = cache.NewRedis(redisClient.Client, cfg.CacheTTL, logger)
	}

	svc := attendance.NewService(st, attendance.Deps{
		Cache:    groups,
		Queue:    q,
		Events:   hub,
		Geocoder: geocode.New(cfg.GeocodeURL, cfg.GeocodeTimeout, cfg.GeocodeSkip),
	}, attendance.Options{
		MaxDistanceKm:  cfg.MaxDistanceKm,
		PositionMaxAge: cfg.PositionMaxAge,
		ClockSkew:      cfg.ClockSkew,
		GeocodeTimeout: cfg.GeocodeTimeout,
		Logger:         logger,
	})

	h := handler.New(svc, hub, handler.Options{
		JWTIssuer:     cfg.JWTIssuer,
		JWTSigningKey: cfg.JWTSigningKey,
		AccessTTL:     cfg.AccessTTL,
		IssueTokens:   !cfg.Production(),
		Logger:        logger,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger, "/healthz", "/metrics"))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Middleware(rateKey(cfg)))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		storeHealthy := svc.Healthy(c.Request.Context())
		redisHealthy := redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !storeHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "store": storeHealthy, "redis": redisHealthy})
	})
	h.Register(r)

	// WriteTimeout stays zero so event streams are not cut off.
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "env", cfg.Env, "store", cfg.StoreBackend, "queue", cfg.QueueBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "error", err)
	}
	logger.Info("server exited")
	return nil
}

// rateKey charges authenticated callers by user and everyone else by address.
func rateKey(cfg config.App) httpmiddleware.KeyFunc {
	return func(c *gin.Context) string {
		if tok, ok := bearer(c); ok {
			if claims, err := auth.Parse(tok, cfg.JWTSigningKey, cfg.JWTIssuer); err == nil {
				return "user:" + claims.Subject
			}
		}
		return "ip:" + httpmiddleware.ClientIP(c)
	}
}

func bearer(c *gin.Context) (string, bool) {
	const prefix = "Bearer "
	h := c.GetHeader("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Retry-After"},
		MaxAge:        24 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func requestLogger(logger *slog.Logger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if skipped[c.Request.URL.Path] {
			return
		}
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
