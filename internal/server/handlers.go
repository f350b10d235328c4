package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/orchestrator"
)

// Coordinator accepts scenario batches.
type Coordinator interface {
	Submit(ctx context.Context, s orchestrator.Submission) (model.RunScenariosResponse, error)
	StrategyName() string
}

// Store is the subset of the run record store the handlers read and write.
type Store interface {
	Ping(ctx context.Context) error
	GetScenarioRun(ctx context.Context, id uuid.UUID) (model.ScenarioRun, error)
	ListScenarioRuns(ctx context.Context, limit int) ([]model.ScenarioRun, error)
	GetScenarioStats(ctx context.Context) (model.ScenarioStats, error)
	RecordExecution(ctx context.Context, id uuid.UUID, amount decimal.Decimal, executedAt *time.Time) (model.RecommendationOutcome, error)
	RecordFollowUp(ctx context.Context, id uuid.UUID, yieldBps int, shortfallRisk float64) (model.RecommendationOutcome, error)
	RecentOutcomeStats(ctx context.Context, window int) (model.OutcomeStats, error)
}

// HealthChecker reports whether an upstream dependency is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Occupancy reports admission slot usage.
type Occupancy interface {
	Occupancy() int
	Capacity() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	coord               Coordinator
	simulation          HealthChecker
	admission           Occupancy
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	learningEnabled     bool
	learningWindow      int
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): OpenAPISpec.
type HandlersDeps struct {
	Store               Store
	Coordinator         Coordinator
	Simulation          HealthChecker
	Admission           Occupancy
	Logger              *slog.Logger
	Version             string
	LearningEnabled     bool
	LearningWindow      int
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		coord:               d.Coordinator,
		simulation:          d.Simulation,
		admission:           d.Admission,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		learningEnabled:     d.LearningEnabled,
		learningWindow:      d.LearningWindow,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
//
// The store being unreachable makes the service unhealthy (503). An
// unreachable simulation provider only degrades it: reads still work and
// submissions fail fast with 503.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	simStatus := "connected"
	if err := h.simulation.Healthy(r.Context()); err != nil {
		simStatus = "unavailable"
		if status == "healthy" {
			status = "degraded"
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Postgres:   pgStatus,
		Simulation: simStatus,
		Strategy:   h.coord.StrategyName(),
		ActiveRuns: h.admission.Occupancy(),
		MaxRuns:    h.admission.Capacity(),
		Learning:   h.learningEnabled,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs err and writes a generic 500 so store details
// never reach the client.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func parsePathID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return uuid.Nil, fmt.Errorf("id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %s", raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 500

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
