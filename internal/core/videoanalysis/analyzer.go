// Package videoanalysis dispatches claimed videos to the deep-analysis
// backend and maps its responses onto domain verdicts.
package videoanalysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/scanward/scanward/internal/core/domain"
	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/platform/platformapi"
)

const (
	circuitBreakerThreshold = 5
	circuitBreakerTimeout   = 1 * time.Minute
	rateLimiterBurst        = 2
	secondsPerMinute        = 60

	statusCompleted    = "completed"
	statusInaccessible = "inaccessible"
	statusError        = "error"

	systemPrompt = `You are a copyright-infringement analyst for video platforms. You will be given a video URL plus metadata and sampling instructions. Fetch the video, inspect the instructed fraction of its runtime at the instructed resolution, and decide whether it contains the protected titles listed.

Respond with a single JSON object and nothing else:
{"status":"completed","verdict":"infringing|clean|uncertain","confidence":0.0-1.0,"detected_entities":["title slugs actually seen"],"notes":"short rationale"}
If the video cannot be fetched at all, respond {"status":"inaccessible","notes":"why"}.
If analysis itself failed, respond {"status":"error","notes":"why"}.`
)

type OpenAI struct {
	client            *openai.Client
	model             string
	pricePerMinuteUSD float64
	logger            *zerolog.Logger
	rateLimiter       *rate.Limiter

	// Circuit breaker state
	consecutiveFailures int
	circuitOpenUntil    time.Time
	mu                  sync.Mutex
}

var _ ports.AnalysisClient = (*OpenAI)(nil)

func NewOpenAI(apiKey, baseURL, model string, rps float64, pricePerMinuteUSD float64, logger *zerolog.Logger) *OpenAI {
	client := openai.NewClient(apiKey)
	if baseURL != "" {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		client = openai.NewClientWithConfig(cfg)
	}

	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAI{
		client:            client,
		model:             model,
		pricePerMinuteUSD: pricePerMinuteUSD,
		logger:            logger,
		rateLimiter:       rate.NewLimiter(rate.Limit(rps), rateLimiterBurst),
	}
}

func (c *OpenAI) checkCircuit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Now().Before(c.circuitOpenUntil) {
		return fmt.Errorf("%w until %v", apperrors.ErrCircuitBreakerOpen, c.circuitOpenUntil)
	}

	return nil
}

func (c *OpenAI) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures = 0
}

func (c *OpenAI) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	if c.consecutiveFailures >= circuitBreakerThreshold {
		c.circuitOpenUntil = time.Now().Add(circuitBreakerTimeout)
		c.logger.Warn().
			Int("consecutive_failures", c.consecutiveFailures).
			Time("open_until", c.circuitOpenUntil).
			Msg("Circuit breaker opened")
	}
}

// Analyze sends one claimed video to the analysis backend. Inaccessible
// videos surface as ErrVideoInaccessible, deadline hits as
// ErrAnalysisTimeout, everything else unrecoverable as ErrAnalysisFailed.
func (c *OpenAI) Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
	if err := c.checkCircuit(); err != nil {
		return nil, err
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserContent(req),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		c.recordFailure()

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrAnalysisTimeout, err)
		}

		return nil, fmt.Errorf("%w: %v", apperrors.ErrAnalysisFailed, err)
	}

	c.recordSuccess()

	if len(resp.Choices) == 0 {
		return nil, apperrors.ErrEmptyResponse
	}

	result, err := parseResponse(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	result.Usage = domain.AnalysisUsage{
		CostUSD:     c.mediaCost(req),
		InputUnits:  int64(resp.Usage.PromptTokens),
		OutputUnits: int64(resp.Usage.CompletionTokens),
	}

	return result, nil
}

// mediaCost is the metered cost of the inspected runtime. Token usage is
// negligible next to per-minute media pricing.
func (c *OpenAI) mediaCost(req domain.AnalysisRequest) float64 {
	if req.DurationSeconds <= 0 || req.SamplingRate <= 0 {
		return 0
	}

	return float64(req.DurationSeconds) * req.SamplingRate / secondsPerMinute * c.pricePerMinuteUSD
}

func buildUserContent(req domain.AnalysisRequest) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Video: %s\n", platformapi.WatchURL(req.PlatformVideoID)))
	sb.WriteString(fmt.Sprintf("Title: %s\n", req.Title))

	if req.Description != "" {
		sb.WriteString(fmt.Sprintf("Description: %s\n", req.Description))
	}

	sb.WriteString(fmt.Sprintf("Duration: %ds\n", req.DurationSeconds))
	sb.WriteString(fmt.Sprintf("Sample fraction: %.2f\n", req.SamplingRate))

	if req.ResolutionHint != "" {
		sb.WriteString(fmt.Sprintf("Resolution: %s\n", req.ResolutionHint))
	}

	if len(req.MatchedTargets) > 0 {
		sb.WriteString(fmt.Sprintf("Protected titles to check: %s\n", strings.Join(req.MatchedTargets, ", ")))
	}

	return sb.String()
}

func parseResponse(content string) (*domain.AnalysisResult, error) {
	var payload struct {
		Status           string   `json:"status"`
		Verdict          string   `json:"verdict"`
		Confidence       float32  `json:"confidence"`
		DetectedEntities []string `json:"detected_entities"` //nolint:tagliatelle
		Notes            string   `json:"notes"`
	}

	if err := json.Unmarshal([]byte(extractJSON(content)), &payload); err != nil {
		return nil, fmt.Errorf("parse analysis response: %w", err)
	}

	switch payload.Status {
	case statusInaccessible:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrVideoInaccessible, payload.Notes)
	case statusError:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrAnalysisFailed, payload.Notes)
	case statusCompleted:
	default:
		return nil, fmt.Errorf("%w: status %q", apperrors.ErrUnexpectedType, payload.Status)
	}

	switch payload.Verdict {
	case domain.VerdictInfringing, domain.VerdictClean, domain.VerdictUncertain:
	default:
		return nil, fmt.Errorf("%w: verdict %q", apperrors.ErrUnexpectedType, payload.Verdict)
	}

	if payload.Confidence < 0 || payload.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %f", apperrors.ErrUnexpectedType, payload.Confidence)
	}

	return &domain.AnalysisResult{
		Verdict:          payload.Verdict,
		Confidence:       payload.Confidence,
		DetectedEntities: payload.DetectedEntities,
		Notes:            payload.Notes,
	}, nil
}

func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")

	if start != -1 && end != -1 && end > start {
		return text[start : end+1]
	}

	return text
}
