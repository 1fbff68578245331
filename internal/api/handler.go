// Package api exposes the operational trigger surface: start a discovery
// run, execute an analysis batch, inspect stored runs and budget status.
// Triggered work runs on the application's base context, so a client that
// disconnects mid-stream never cancels or refunds a run.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/budget"
	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/process/analysis"
	"github.com/scanward/scanward/internal/process/discovery"
)

const (
	// Route path constants.
	routeDiscoveryRun  = "discovery/run"
	routeAnalysisBatch = "analysis/batch"
	routeRuns          = "runs"
	routeStatus        = "status"

	// Query parameters.
	paramMaxQuota  = "max_quota"
	paramBatchSize = "batch_size"

	// Content type constants.
	contentTypeHeader = "Content-Type"
	contentTypeJSON   = "application/json; charset=utf-8"
	contentTypeNDJSON = "application/x-ndjson"

	headerAuthorization = "Authorization"
	bearerPrefix        = "Bearer "

	maxRecentRuns = 20
)

// DiscoveryRunner starts one quota-bounded discovery run.
type DiscoveryRunner interface {
	Run(ctx context.Context, maxQuota int, sink discovery.Sink) (*domain.DiscoveryRun, error)
}

// BatchRunner executes one budget-gated analysis batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, batchSize int, sink analysis.Sink) (analysis.Counts, error)
}

// Config carries the handler tunables.
type Config struct {
	// Token authenticates trigger requests. Empty disables the API.
	Token string

	// DefaultMaxQuota is used when a discovery trigger omits max_quota.
	DefaultMaxQuota int

	// DefaultBatchSize is used when a batch trigger omits batch_size.
	DefaultBatchSize int
}

// Handler serves the trigger API.
type Handler struct {
	runner  DiscoveryRunner
	batches BatchRunner
	runs    ports.RunRepository
	videos  ports.VideoRepository
	gate    *budget.Gate

	cfg    Config
	base   func() context.Context
	logger *zerolog.Logger
}

// NewHandler creates the trigger API handler. base supplies the context
// triggered work executes on; it must outlive individual requests.
func NewHandler(
	runner DiscoveryRunner,
	batches BatchRunner,
	runs ports.RunRepository,
	videos ports.VideoRepository,
	gate *budget.Gate,
	cfg Config,
	base func() context.Context,
	logger *zerolog.Logger,
) *Handler {
	return &Handler{
		runner:  runner,
		batches: batches,
		runs:    runs,
		videos:  videos,
		gate:    gate,
		cfg:     cfg,
		base:    base,
		logger:  logger,
	}
}

// ServeHTTP routes requests to trigger endpoints.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route, status := h.dispatch(w, r)

	latencyHistogram.WithLabelValues(route).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) (route string, status int) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api"), "/")

	switch {
	case path == routeDiscoveryRun:
		return "discovery_run", h.handleDiscoveryRun(w, r)
	case path == routeAnalysisBatch:
		return "analysis_batch", h.handleAnalysisBatch(w, r)
	case path == routeStatus:
		return "status", h.handleStatus(w, r)
	case path == routeRuns:
		return "runs", h.handleRuns(w, r)
	case strings.HasPrefix(path, routeRuns+"/"):
		return "run_detail", h.handleRunDetail(w, r, strings.TrimPrefix(path, routeRuns+"/"))
	default:
		return "not_found", h.writeError(w, http.StatusNotFound, "Unknown endpoint.")
	}
}

// handleDiscoveryRun starts a discovery run and streams its progress events
// as newline-delimited JSON. The HTTP status reports that the run started;
// the final event in the stream carries the outcome.
func (h *Handler) handleDiscoveryRun(w http.ResponseWriter, r *http.Request) int {
	if status, ok := h.authorize(w, r); !ok {
		return status
	}

	if r.Method != http.MethodPost {
		return h.writeError(w, http.StatusMethodNotAllowed, "Use POST to start a discovery run.")
	}

	maxQuota := parsePositiveInt(r, paramMaxQuota, h.cfg.DefaultMaxQuota)
	stream := h.startStream(w)

	run, err := h.runner.Run(h.base(), maxQuota, discovery.SinkFunc(func(event discovery.Event) {
		stream.write(event)
	}))
	if err != nil {
		// Already reported through the stream's error event.
		h.logger.Error().Err(err).Msg("Triggered discovery run failed")

		return http.StatusOK
	}

	h.logger.Info().Str("run_id", run.ID).Int("max_quota", maxQuota).Msg("Triggered discovery run finished")

	return http.StatusOK
}

// handleAnalysisBatch executes one analysis batch, streaming progress the
// same way discovery runs do.
func (h *Handler) handleAnalysisBatch(w http.ResponseWriter, r *http.Request) int {
	if status, ok := h.authorize(w, r); !ok {
		return status
	}

	if r.Method != http.MethodPost {
		return h.writeError(w, http.StatusMethodNotAllowed, "Use POST to run an analysis batch.")
	}

	batchSize := parsePositiveInt(r, paramBatchSize, h.cfg.DefaultBatchSize)
	stream := h.startStream(w)

	counts, err := h.batches.RunBatch(h.base(), batchSize, analysis.SinkFunc(func(event analysis.Event) {
		stream.write(event)
	}))
	if err != nil {
		h.logger.Error().Err(err).Msg("Triggered analysis batch failed")

		return http.StatusOK
	}

	h.logger.Info().
		Int("analyzed", counts.Analyzed).
		Float64("spent_usd", counts.SpentUSD).
		Msg("Triggered analysis batch finished")

	return http.StatusOK
}

func (h *Handler) handleRunDetail(w http.ResponseWriter, r *http.Request, id string) int {
	if status, ok := h.authorize(w, r); !ok {
		return status
	}

	if r.Method != http.MethodGet {
		return h.writeError(w, http.StatusMethodNotAllowed, "Use GET to read a run.")
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrRunNotFound) {
			return h.writeError(w, http.StatusNotFound, "Run not found.")
		}

		h.logger.Error().Err(err).Str("run_id", id).Msg("get run failed")

		return h.writeError(w, http.StatusInternalServerError, "Failed to load run.")
	}

	return h.writeJSON(w, http.StatusOK, newRunResponse(run))
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) int {
	if status, ok := h.authorize(w, r); !ok {
		return status
	}

	if r.Method != http.MethodGet {
		return h.writeError(w, http.StatusMethodNotAllowed, "Use GET to list runs.")
	}

	runs, err := h.runs.ListRecentRuns(r.Context(), maxRecentRuns)
	if err != nil {
		h.logger.Error().Err(err).Msg("list runs failed")

		return h.writeError(w, http.StatusInternalServerError, "Failed to list runs.")
	}

	out := make([]RunResponse, 0, len(runs))
	for i := range runs {
		out = append(out, newRunResponse(&runs[i]))
	}

	return h.writeJSON(w, http.StatusOK, RunsResponse{Runs: out})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) int {
	if status, ok := h.authorize(w, r); !ok {
		return status
	}

	if r.Method != http.MethodGet {
		return h.writeError(w, http.StatusMethodNotAllowed, "Use GET to read status.")
	}

	used, limit, percentage, err := h.gate.Status(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("budget status failed")

		return h.writeError(w, http.StatusInternalServerError, "Failed to load budget status.")
	}

	backlog, err := h.videos.CountBacklog(r.Context(), 0)
	if err != nil {
		h.logger.Error().Err(err).Msg("count backlog failed")

		return h.writeError(w, http.StatusInternalServerError, "Failed to count backlog.")
	}

	return h.writeJSON(w, http.StatusOK, StatusResponse{
		BudgetUsedUSD:     used,
		BudgetLimitUSD:    limit,
		BudgetUsedPercent: percentage * 100,
		BacklogSize:       backlog,
	})
}

// authorize verifies the bearer token, writing the error response itself
// when the request is rejected.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (int, bool) {
	if h.cfg.Token == "" {
		return h.writeError(w, http.StatusServiceUnavailable, "API token not configured."), false
	}

	token, ok := strings.CutPrefix(r.Header.Get(headerAuthorization), bearerPrefix)
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.Token)) != 1 {
		return h.writeError(w, http.StatusUnauthorized, "Invalid or missing API token."), false
	}

	return 0, true
}

// eventStream writes newline-delimited JSON progress events. Once the client
// goes away writes stop silently; the triggered work keeps running on the
// base context.
type eventStream struct {
	enc     *json.Encoder
	flusher http.Flusher
	logger  *zerolog.Logger
	gone    bool
}

func (h *Handler) startStream(w http.ResponseWriter) *eventStream {
	w.Header().Set(contentTypeHeader, contentTypeNDJSON)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	return &eventStream{
		enc:     json.NewEncoder(w),
		flusher: flusher,
		logger:  h.logger,
	}
}

func (s *eventStream) write(event any) {
	if s.gone {
		return
	}

	if err := s.enc.Encode(event); err != nil {
		s.gone = true
		s.logger.Debug().Err(err).Msg("Event consumer went away, work continues")

		return
	}

	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func parsePositiveInt(r *http.Request, name string, fallback int) int {
	val := strings.TrimSpace(r.URL.Query().Get(name))
	if val == "" {
		return fallback
	}

	num, err := strconv.Atoi(val)
	if err != nil || num <= 0 {
		return fallback
	}

	return num
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) int {
	w.Header().Set(contentTypeHeader, contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error().Err(err).Msg("write json failed")
	}

	return status
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) int {
	return h.writeJSON(w, status, map[string]string{"error": message})
}

// RunResponse is the JSON payload for a stored discovery run.
type RunResponse struct {
	ID                  string    `json:"id"`
	MaxQuota            int       `json:"max_quota"`
	QuotaUsed           int       `json:"quota_used"`
	SourceTrackingUsed  int       `json:"source_tracking_used"`
	TrendScanUsed       int       `json:"trend_scan_used"`
	KeywordSearchUsed   int       `json:"keyword_search_used"`
	RefreshUsed         int       `json:"refresh_used"`
	ItemsFound          int       `json:"items_found"`
	ItemsMatched        int       `json:"items_matched"`
	SourcesTouched      int       `json:"sources_touched"`
	KeywordPhaseSkipped bool      `json:"keyword_phase_skipped"`
	Status              string    `json:"status"`
	Error               string    `json:"error,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	FinishedAt          time.Time `json:"finished_at,omitzero"`
}

func newRunResponse(run *domain.DiscoveryRun) RunResponse {
	return RunResponse{
		ID:                  run.ID,
		MaxQuota:            run.MaxQuota,
		QuotaUsed:           run.SourceTrackingUsed + run.TrendScanUsed + run.KeywordSearchUsed + run.RefreshUsed,
		SourceTrackingUsed:  run.SourceTrackingUsed,
		TrendScanUsed:       run.TrendScanUsed,
		KeywordSearchUsed:   run.KeywordSearchUsed,
		RefreshUsed:         run.RefreshUsed,
		ItemsFound:          run.ItemsFound,
		ItemsMatched:        run.ItemsMatched,
		SourcesTouched:      run.SourcesTouched,
		KeywordPhaseSkipped: run.KeywordPhaseSkipped,
		Status:              run.Status,
		Error:               run.Error,
		StartedAt:           run.StartedAt,
		FinishedAt:          run.FinishedAt,
	}
}

// RunsResponse is the JSON payload for the recent-runs list.
type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

// StatusResponse is the JSON payload for budget and backlog status.
type StatusResponse struct {
	BudgetUsedUSD     float64 `json:"budget_used_usd"`
	BudgetLimitUSD    float64 `json:"budget_limit_usd"`
	BudgetUsedPercent float64 `json:"budget_used_percent"`
	BacklogSize       int     `json:"backlog_size"`
}
