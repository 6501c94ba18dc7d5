package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/classroomlive/control-plane/internal/bus"
	"github.com/classroomlive/control-plane/internal/logging"
	"go.uber.org/zap"
)

var errSFUUnhealthy = errors.New("sfu health check reported unhealthy")

// SFUChecker checks the health of the SFU
type SFUChecker interface {
	Check(ctx context.Context, addr string) string
}

// DefaultSFUChecker is the default implementation of SFUChecker
type DefaultSFUChecker struct{}

// Check verifies gRPC connectivity to the SFU using the standard health check protocol
func (c *DefaultSFUChecker) Check(ctx context.Context, addr string) string {
	conn, err := grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		logging.Error(ctx, "failed to connect to SFU for health check", zap.Error(err), zap.String("addr", addr))
		return "unhealthy"
	}
	defer func() { _ = conn.Close() }()

	healthClient := healthpb.NewHealthClient(conn)

	resp, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{
		Service: "", // empty string checks overall server health
	})
	if err != nil {
		logging.Error(ctx, "SFU health check RPC failed", zap.Error(err))
		return "unhealthy"
	}

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		logging.Warn(ctx, "SFU is not serving", zap.String("status", resp.Status.String()))
		return "unhealthy"
	}

	return "healthy"
}

// Handler manages health check endpoints
type Handler struct {
	redisService *bus.Service
	sfuAddr      string
	sfuEnabled   bool
	sfuChecker   SFUChecker
	sfuBreaker   *gobreaker.CircuitBreaker
}

// NewHandler creates a new health check handler. sfuHealthAddr is the SFU's
// gRPC health-check endpoint (config.SFUHealthAddr, validated at startup).
func NewHandler(redisService *bus.Service, sfuHealthAddr string) *Handler {
	// Check if SFU health checks should be enabled
	sfuCheckDisabled := os.Getenv("SFU_HEALTH_CHECK_ENABLED") == "false"

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sfu-health",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})

	return &Handler{
		redisService: redisService,
		sfuAddr:      sfuHealthAddr,
		sfuEnabled:   !sfuCheckDisabled,
		sfuChecker:   &DefaultSFUChecker{},
		sfuBreaker:   breaker,
	}
}

// LivenessResponse represents the liveness probe response
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint
// GET /health/live
// Returns 200 if the process is alive (no dependency checks)
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy
// Returns 503 if any dependency is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	// Check Redis connectivity
	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	// Check SFU connectivity (if enabled)
	if h.sfuEnabled {
		sfuStatus := h.checkSFU(ctx)
		checks["sfu"] = sfuStatus
		if sfuStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING command
func (h *Handler) checkRedis(ctx context.Context) string {
	// If Redis is not enabled (single-instance mode), consider it healthy
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkSFU verifies gRPC connectivity to the SFU through a circuit breaker so a
// flapping SFU doesn't turn every readiness poll into a fresh dial-and-timeout.
func (h *Handler) checkSFU(ctx context.Context) string {
	if h.sfuChecker == nil {
		return "unhealthy"
	}
	if h.sfuBreaker == nil {
		return h.sfuChecker.Check(ctx, h.sfuAddr)
	}

	result, err := h.sfuBreaker.Execute(func() (any, error) {
		status := h.sfuChecker.Check(ctx, h.sfuAddr)
		if status != "healthy" {
			return status, errSFUUnhealthy
		}
		return status, nil
	})
	if err != nil {
		return "unhealthy"
	}
	return result.(string)
}

// HealthCheckResponse is a generic health check response for backward compatibility
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
