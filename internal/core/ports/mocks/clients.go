package mocks

import (
	"context"
	"sync"

	"github.com/scanward/scanward/internal/core/domain"
)

// AnalysisClient is a configurable test double for ports.AnalysisClient.
type AnalysisClient struct {
	mu sync.Mutex

	// AnalyzeFn customizes the response per request. When nil every call
	// returns a clean verdict.
	AnalyzeFn func(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error)

	calls []domain.AnalysisRequest
}

// NewAnalysisClient creates a mock analysis client.
func NewAnalysisClient() *AnalysisClient {
	return &AnalysisClient{}
}

// Analyze implements ports.AnalysisClient.
func (c *AnalysisClient) Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	fn := c.AnalyzeFn
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	return &domain.AnalysisResult{
		Verdict:    domain.VerdictClean,
		Confidence: 0.9,
	}, nil
}

// Calls returns every request seen so far.
func (c *AnalysisClient) Calls() []domain.AnalysisRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.AnalysisRequest, len(c.calls))
	copy(out, c.calls)

	return out
}

// EmbeddingClient is a configurable test double for ports.EmbeddingClient.
type EmbeddingClient struct {
	// GetEmbeddingFn customizes the response. When nil a fixed small vector is
	// returned.
	GetEmbeddingFn func(ctx context.Context, text string) ([]float32, error)
}

// GetEmbedding implements ports.EmbeddingClient.
func (c *EmbeddingClient) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	if c.GetEmbeddingFn != nil {
		return c.GetEmbeddingFn(ctx, text)
	}

	return []float32{0.1, 0.2, 0.3}, nil
}
