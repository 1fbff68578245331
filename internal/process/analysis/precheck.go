package analysis

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/platform/observability"
	"github.com/scanward/scanward/internal/platform/platformapi"
)

// Precheck probe outcomes.
const (
	ProbeAlive   = "alive"
	ProbeDead    = "dead"
	ProbeUnknown = "unknown"
)

const (
	defaultPrecheckTimeout = 10 * time.Second
	precheckMaxBodyBytes   = 2 * 1024 * 1024
	precheckUserAgent      = "Mozilla/5.0 (compatible; scanward/1.0)"
)

// unavailableMarkers are the phrases the platform serves on watch pages of
// removed, private, or terminated content.
var unavailableMarkers = []string{
	"video unavailable",
	"this video has been removed",
	"this video is private",
	"this video is no longer available",
	"account associated with this video has been terminated",
}

// Precheck probes the public watch page before any budget is spent on a
// video. It fails open: only a positive unavailability signal is trusted.
type Precheck struct {
	client   *http.Client
	watchURL func(platformVideoID string) string
	logger   *zerolog.Logger
}

func NewPrecheck(timeout time.Duration, logger *zerolog.Logger) *Precheck {
	if timeout <= 0 {
		timeout = defaultPrecheckTimeout
	}

	return &Precheck{
		client:   &http.Client{Timeout: timeout},
		watchURL: platformapi.WatchURL,
		logger:   logger,
	}
}

// Probe reports whether the video's watch page is reachable. ProbeDead means
// the platform positively confirmed the content is gone; fetch failures and
// ambiguous responses return ProbeUnknown so analysis proceeds.
func (p *Precheck) Probe(ctx context.Context, platformVideoID string) string {
	result := p.probe(ctx, platformVideoID)

	observability.PrecheckResults.WithLabelValues(result).Inc()

	return result
}

func (p *Precheck) probe(ctx context.Context, platformVideoID string) string {
	watchURL := p.watchURL(platformVideoID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, watchURL, nil)
	if err != nil {
		return ProbeUnknown
	}

	req.Header.Set("User-Agent", precheckUserAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug().Err(err).Str("platform_video_id", platformVideoID).Msg("Precheck fetch failed")

		return ProbeUnknown
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ProbeDead
	case resp.StatusCode != http.StatusOK:
		return ProbeUnknown
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, precheckMaxBodyBytes))
	if err != nil {
		return ProbeUnknown
	}

	if containsUnavailableMarker(body, watchURL) {
		return ProbeDead
	}

	return ProbeAlive
}

// containsUnavailableMarker scans the readable page text for removal phrases.
// The player page keeps its status in embedded JSON that reader extraction
// drops, so the raw body is scanned as well.
func containsUnavailableMarker(body []byte, pageURL string) bool {
	haystack := strings.ToLower(string(body))

	if u, err := url.Parse(pageURL); err == nil {
		if article, err := readability.FromReader(bytes.NewReader(body), u); err == nil {
			haystack += " " + strings.ToLower(article.TextContent)
		}
	}

	for _, marker := range unavailableMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}

	return false
}
