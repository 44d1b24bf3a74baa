package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/hamsokhan/internal/attachments"
	"github.com/4xmen/hamsokhan/internal/auth"
	"github.com/4xmen/hamsokhan/internal/db"
	"github.com/4xmen/hamsokhan/internal/delivery"
	"github.com/4xmen/hamsokhan/internal/handlers"
	"github.com/4xmen/hamsokhan/internal/logging"
	"github.com/4xmen/hamsokhan/internal/presence"
	"github.com/4xmen/hamsokhan/internal/push"
	"github.com/4xmen/hamsokhan/internal/store"
	"github.com/4xmen/hamsokhan/internal/ws"
	"github.com/4xmen/hamsokhan/pkg/config"
	"github.com/4xmen/hamsokhan/pkg/i18n"
)

func __(message string) string {
	return i18n.Translate(message)
}

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": __("rate limiter error")})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": __("rate limit exceeded")})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Error(c.Request.Context(), "server error",
				"status", c.Writer.Status(),
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"ip", c.ClientIP(),
				"duration", time.Since(start).Truncate(time.Millisecond),
				"errors", c.Errors.ByType(gin.ErrorTypeAny).String(),
				"response", strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery(logger logging.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error(c.Request.Context(), "panic recovered",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"error", recovered,
			"stack", string(debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
	})
}

// corsMiddleware echoes the request origin when it is one of the configured
// origins; credentials are allowed so the token cookie travels cross-site.
func corsMiddleware(origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		for _, allowed := range origins {
			if allowed == "*" || allowed == origin {
				c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
				c.Writer.Header().Set("Vary", "Origin")
				break
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger.Slog())

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg, logger); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  hamsokhan           Start the chat server")
	fmt.Fprintln(out, "  hamsokhan status    Show application statistics")
	fmt.Fprintln(out, "  hamsokhan status --json")
}

// app holds the wired components behind the HTTP router.
type app struct {
	cfg      *config.Config
	log      logging.Logger
	authSvc  *auth.Service
	store    store.MessageStore
	registry *presence.Registry
	hub      *ws.Hub
	notifier *push.Notifier
}

func newApp(cfg *config.Config, logger logging.Logger, database *db.DB, cache redis.Cmdable) (*app, error) {
	conn := database.GetConn()
	codec := auth.NewTokenCodec(cfg.JWTSecret)

	var messages store.MessageStore = store.NewSQLiteStore(conn)
	if cache != nil {
		messages = store.NewCachedStore(messages, cache, cfg.HistoryCacheTTL, cfg.HistoryCacheSize, logger)
	}

	sink, err := attachments.NewDiskSink(cfg.FileStoragePath, cfg.MaxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare upload dir: %w", err)
	}

	registry := presence.NewRegistry(logger.With("component", "presence"))
	notifier := push.NewNotifier(conn, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, logger)

	var routerOpts []delivery.Option
	if notifier != nil {
		routerOpts = append(routerOpts, delivery.WithNotifier(notifier))
	}
	router := delivery.NewRouter(messages, sink, registry, logger, routerOpts...)

	hub := ws.NewHub(registry, codec, router, logger, ws.Options{
		PingInterval: cfg.PingInterval,
		PongTimeout:  cfg.PongTimeout,
		// base64 inflates attachments by a third, plus the JSON envelope
		MaxMessageSize: cfg.MaxUploadSize*4/3 + 64<<10,
		AllowedOrigins: splitOrigins(cfg.CORSOrigins),
	})

	return &app{
		cfg:      cfg,
		log:      logger,
		authSvc:  auth.New(conn, codec),
		store:    messages,
		registry: registry,
		hub:      hub,
		notifier: notifier,
	}, nil
}

func (a *app) routes() *gin.Engine {
	if a.cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authHandler := handlers.NewAuthHandler(a.authSvc)
	msgHandler := handlers.NewMessageHandler(a.store, a.authSvc, a.registry, a.notifier)

	router := gin.New()
	router.Use(serverErrorLogger(a.log))
	router.Use(gin.Logger())
	router.Use(panicRecovery(a.log))
	router.Use(corsMiddleware(splitOrigins(a.cfg.CORSOrigins)))

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
		api.POST("/logout", authHandler.Logout)
		api.GET("/push/key", msgHandler.PushKey)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		protected.GET("/profile", authHandler.Profile)
		protected.GET("/messages/:userId", msgHandler.History)
		protected.GET("/people", msgHandler.People)
		protected.POST("/push/subscribe", msgHandler.PushSubscribe)
	}

	router.Static("/uploads", a.cfg.FileStoragePath)

	// The handshake authenticates from the cookie itself; a missing or bad
	// token still gets a socket, just an anonymous one.
	router.GET("/ws", a.hub.HandleWebSocket)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"online":      a.registry.Count(),
			"connections": a.hub.ConnectionCount(),
		})
	})

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
	})

	return router
}

func openCache(ctx context.Context, cfg *config.Config, logger logging.Logger) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// the cache falls through to SQLite on every error, so keep going
		logger.Warn(ctx, "redis unreachable, history served from sqlite until it recovers", "error", err)
	}
	return client, nil
}

func runServer(cfg *config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	cacheClient, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	var cache redis.Cmdable
	if cacheClient != nil {
		defer cacheClient.Close()
		cache = cacheClient
	}

	a, err := newApp(cfg, logger, database, cache)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "starting server", "addr", srv.Addr, "environment", cfg.Environment)
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

	logger.Info(context.Background(), "shutting down gracefully")
	a.hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", "error", err)
	}
	a.notifier.Wait()
	return nil
}
