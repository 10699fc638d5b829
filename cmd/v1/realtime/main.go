package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vibespeak/realtime/internal/v1/auth"
	"github.com/vibespeak/realtime/internal/v1/bus"
	"github.com/vibespeak/realtime/internal/v1/config"
	"github.com/vibespeak/realtime/internal/v1/crypto"
	"github.com/vibespeak/realtime/internal/v1/floor"
	"github.com/vibespeak/realtime/internal/v1/health"
	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/middleware"
	"github.com/vibespeak/realtime/internal/v1/ratelimit"
	"github.com/vibespeak/realtime/internal/v1/signaling"
	"github.com/vibespeak/realtime/internal/v1/tracing"
	"github.com/vibespeak/realtime/internal/v1/types"
	"github.com/vibespeak/realtime/internal/v1/voice"
)

const defaultServiceName = "vibespeak-realtime"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded string
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = path
			break
		}
	}

	// Logging comes up before config validation so validation warnings land in
	// the structured stream. Raw env peeks here; the validated values match.
	development := os.Getenv("GO_ENV") != "production" && os.Getenv("NODE_ENV") != "production"
	if err := logging.Initialize(development, os.Getenv("LOG_LEVEL")); err != nil {
		panic(err)
	}

	if envLoaded != "" {
		logging.Info(nil, "Loaded environment file", zap.String("path", envLoaded))
	} else {
		logging.Warn(nil, "No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(nil, "Environment validation failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Token Service ---
	// Always constructed: the admin surface needs rotate/status even when the
	// signaling plane runs with verification disabled.
	tokenService, err := auth.NewTokenService(cfg.JWTSecret, cfg.JWTSecretPrevious)
	if err != nil {
		logging.Fatal(ctx, "Failed to create token service", zap.Error(err))
	}

	var verifier types.TokenVerifier = tokenService
	if cfg.SkipAuth {
		logging.Warn(ctx, "⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		verifier = &auth.MockVerifier{}
	}

	// --- Redis Bus Initialization (Optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			busService = nil // Fallback to single-instance mode
		} else {
			logging.Info(ctx, "✅ Redis pub/sub initialized for distributed messaging", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	// --- Voice Plane ---
	core, err := crypto.NewCore(cfg.VoiceMasterKey)
	if err != nil {
		logging.Fatal(ctx, "Failed to initialize voice crypto", zap.Error(err))
	}

	pc, err := net.ListenPacket("udp", ":"+cfg.VoicePort)
	if err != nil {
		logging.Fatal(ctx, "Failed to bind voice UDP port", zap.String("port", cfg.VoicePort), zap.Error(err))
	}

	relay := voice.New(pc, core, voice.Options{
		HelloRate:  rate.Limit(cfg.UDPHelloRate),
		HelloBurst: cfg.UDPHelloBurst,
		GlobalRate: rate.Limit(cfg.UDPGlobalRate),
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			logging.Error(ctx, "Voice relay stopped", zap.Error(err))
		}
	}()

	// --- Signaling Plane ---
	floorCtrl := floor.NewController()
	allowedOrigins := auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	hub := signaling.NewHub(verifier, busService, floorCtrl, limiter, allowedOrigins)
	hub.SubscribeBus(ctx, &wg)

	healthHandler := health.NewHandler(busService, relay)
	wg.Add(1)
	go func() {
		defer wg.Done()
		healthHandler.Run(ctx)
	}()

	// Hourly sweep keeps the signing secret younger than the rotation window
	// without an operator in the loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tokenService.MaybeRotate()
			}
		}
	}()

	// --- Tracing (Optional) ---
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	var tracerProvider *sdktrace.TracerProvider
	if collector := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collector != "" {
		tracerProvider, err = tracing.InitTracer(ctx, serviceName, collector)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without", zap.Error(err))
			tracerProvider = nil
		} else {
			logging.Info(ctx, "Tracing initialized", zap.String("collector", collector))
		}
	}

	// --- Set up Server ---
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Cors
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsCfg))

	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger())
	if tracerProvider != nil {
		router.Use(otelgin.Middleware(serviceName))
	}

	// Error handling
	router.Use(gin.Recovery())

	// Routing
	router.GET("/ws", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")

	// Health check endpoints
	healthGroup := api.Group("/health")
	{
		healthGroup.GET("/live", healthHandler.Liveness)
		healthGroup.GET("/ready", healthHandler.Readiness)
		healthGroup.GET("/stats", healthHandler.Stats)
	}

	// Admin surface. Bearer-token gated; see middleware.AdminAuth for the
	// allowlist semantics.
	admin := api.Group("/admin")
	admin.Use(middleware.AdminAuth(verifier, cfg.AdminTokenSubjects, cfg.IsProduction()))
	{
		admin.GET("/floor", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"channels": floorCtrl.AllStats()})
		})
		admin.GET("/floor/:channel", func(c *gin.Context) {
			c.JSON(http.StatusOK, floorCtrl.ChannelStats(c.Param("channel")))
		})
		admin.POST("/token/rotate", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"rotated": true, "keyId": tokenService.Rotate()})
		})
		admin.GET("/token/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, tokenService.Status())
		})
		admin.GET("/voice/stats", func(c *gin.Context) {
			stats, err := relay.Snapshot(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "voice relay unavailable"})
				return
			}
			c.JSON(http.StatusOK, stats)
		})
		admin.GET("/rooms", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"rooms": hub.Rooms()})
		})
	}

	servers := []*http.Server{{Addr: ":" + cfg.Port, Handler: router}}

	// Optional dedicated /ws listener so media-adjacent traffic can be split
	// from the API at the load balancer.
	if cfg.WsPort != "" {
		wsRouter := gin.New()
		wsRouter.Use(cors.New(corsCfg))
		wsRouter.Use(middleware.CorrelationID())
		wsRouter.Use(middleware.RequestLogger())
		wsRouter.Use(gin.Recovery())
		wsRouter.GET("/ws", hub.ServeWs)
		servers = append(servers, &http.Server{Addr: ":" + cfg.WsPort, Handler: wsRouter})
	}

	// --- Graceful Shutdown ---
	// Start the servers in goroutines so they don't block.
	for _, srv := range servers {
		go func() {
			logging.Info(ctx, "API server starting", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(ctx, "Failed to run server", zap.String("addr", srv.Addr), zap.Error(err))
				syscall.Kill(os.Getpid(), syscall.SIGTERM)
			}
		}()
	}

	// Wait for an interrupt signal to gracefully shut down the server
	<-ctx.Done()
	stop()
	logging.Info(context.Background(), "Shutting down server...")

	// The context gives in-flight requests 30 seconds to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error(shutdownCtx, "Server forced to shutdown", zap.Error(err))
		}
	}

	// Stop the media plane, then close all WebSocket connections gracefully.
	relay.Close()
	hub.Shutdown(shutdownCtx)

	// Close Redis connection if it was initialized
	if err := busService.Close(); err != nil {
		logging.Error(shutdownCtx, "Failed to close Redis connection", zap.Error(err))
	}

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logging.Error(shutdownCtx, "Failed to shut down tracer", zap.Error(err))
		}
	}

	wg.Wait()
	logging.Info(context.Background(), "Server exiting")
	logging.Sync()
}
