package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/classroomlive/control-plane/internal/admission"
	"github.com/classroomlive/control-plane/internal/auth"
	"github.com/classroomlive/control-plane/internal/bus"
	"github.com/classroomlive/control-plane/internal/config"
	"github.com/classroomlive/control-plane/internal/filestore"
	"github.com/classroomlive/control-plane/internal/gateway"
	"github.com/classroomlive/control-plane/internal/handraise"
	"github.com/classroomlive/control-plane/internal/health"
	"github.com/classroomlive/control-plane/internal/httpapi"
	"github.com/classroomlive/control-plane/internal/logging"
	"github.com/classroomlive/control-plane/internal/meeting"
	"github.com/classroomlive/control-plane/internal/middleware"
	"github.com/classroomlive/control-plane/internal/moderator"
	"github.com/classroomlive/control-plane/internal/participant"
	"github.com/classroomlive/control-plane/internal/presence"
	"github.com/classroomlive/control-plane/internal/ratelimit"
	"github.com/classroomlive/control-plane/internal/sfutoken"
	"github.com/classroomlive/control-plane/internal/store"
	"github.com/classroomlive/control-plane/internal/tracing"
)

func main() {
	envPaths := []string{".env", "../../.env", "../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	ctx := context.Background()

	if addr := os.Getenv("OTEL_COLLECTOR_ADDR"); addr != "" {
		tp, err := tracing.InitTracer(ctx, "classroomlive-control-plane", addr)
		if err != nil {
			logging.Error(ctx, "failed to init tracing, continuing without it", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	// --- Document store ---
	var st store.Store
	if cfg.DatabaseURL == "memory" {
		st = store.NewMemoryStore()
	} else {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to database", zap.Error(err))
		}
		defer pg.Close()
		migrationsDir := "migrations"
		if err := store.EnsureSchema(ctx, pg, migrationsDir); err != nil {
			logging.Fatal(ctx, "failed to apply migrations", zap.Error(err))
		}
		st = pg
	}

	// --- Identity Resolver ---
	var validator auth.TokenValidator
	if cfg.SkipAuth {
		logging.Info(ctx, "SKIP_AUTH enabled, using MockValidator — do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "failed to build auth validator", zap.Error(err))
		}
		validator = v
	}

	// --- Domain engines, wired in dependency order ---
	meetings := meeting.New(st)
	participants := participant.New(st)
	presenceEngine := presence.New(participants, presence.Config{
		Heartbeat:     time.Duration(cfg.HeartbeatCadenceSec) * time.Second,
		PersistEvery:  time.Duration(cfg.HeartbeatDBCoalesceSec) * time.Second,
		GracePeriod:   time.Duration(cfg.HeartbeatGraceSec) * time.Second,
		SweepInterval: time.Duration(cfg.StaleSweepSec) * time.Second,
	})
	admissionEng := admission.New(meetings, participants, presenceEngine)
	tokens := sfutoken.New(cfg.SFUTokenSeed, time.Duration(cfg.SFUTokenTTLSec)*time.Second)
	moderatorEng := moderator.New(meetings, participants, tokens)

	// hub is forward-declared so the hand-raise engine's auto-lower
	// callback can reach it once it exists; the engine itself must be
	// built before gateway.NewHub, since Hub takes it as a dependency.
	var hub *gateway.Hub
	handraiseEng := handraise.New(time.Duration(cfg.HandRaiseTTLSec)*time.Second, func(meetingID, userID string) {
		if hub != nil {
			hub.BroadcastHandAutoLowered(meetingID, userID)
		}
	})

	// --- Optional cross-pod fan-out ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		b, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis bus, continuing single-instance", zap.Error(err))
		} else {
			busService = b
		}
	}

	// --- Optional recording storage ---
	var files *filestore.FileStore
	if cfg.S3Bucket != "" {
		f, err := filestore.New(filestore.Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			logging.Error(ctx, "failed to init filestore, recordings disabled", zap.Error(err))
		} else {
			files = f
		}
	}

	hub = gateway.NewHub(gateway.Deps{
		Validator:      validator,
		Bus:            busService,
		Store:          st,
		Meetings:       meetings,
		Participants:   participants,
		Presence:       presenceEngine,
		Admission:      admissionEng,
		Moderator:      moderatorEng,
		HandRaise:      handraiseEng,
		Tokens:         tokens,
		AllowedOrigins: auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	})

	// --- Rate limiting ---
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	}
	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}

	startSweeper(ctx, meetings, presenceEngine, time.Duration(cfg.StaleSweepSec)*time.Second)

	healthHandler := health.NewHandler(busService, cfg.SFUHealthAddr)

	router := gin.Default()
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	router.Use(cors.New(corsCfg))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(limiter.GlobalMiddleware())

	router.GET("/ws", func(c *gin.Context) {
		if !limiter.CheckWebSocket(c) {
			return
		}
		hub.ServeWs(c)
	})

	httpapi.Register(router, httpapi.Deps{
		Validator:    validator,
		Meetings:     meetings,
		Participants: participants,
		Presence:     presenceEngine,
		Store:        st,
		Files:        files,
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		if err := st.Health(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "healthy"})
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	go func() {
		logging.Info(ctx, "control plane starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
}

// startSweeper runs the presence sweep periodically across every active
// meeting, since internal/presence.Engine.Sweep only knows about the one
// meeting it's told about.
func startSweeper(ctx context.Context, meetings *meeting.Registry, presenceEngine *presence.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			active, err := meetings.ListActive(ctx)
			if err != nil {
				logging.Error(ctx, "sweeper failed to list active meetings", zap.Error(err))
				continue
			}
			for _, m := range active {
				if _, err := presenceEngine.Sweep(ctx, m.ID); err != nil {
					logging.Error(ctx, "sweep failed", zap.String("meetingId", m.ID), zap.Error(err))
				}
			}
		}
	}()
}
