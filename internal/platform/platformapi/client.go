// Package platformapi is a thin client for the video platform's data API.
//
// Quota accounting stays with the caller: each method costs a fixed number of
// units (CostSearch for keyword search, CostList for everything else) and the
// discovery planner checks remaining units before issuing a call.
package platformapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "github.com/scanward/scanward/internal/core/errors"
	"github.com/scanward/scanward/internal/platform/observability"
)

// Unit costs per API call.
const (
	CostSearch = 40
	CostList   = 1

	// MaxStatsBatch is the largest ID batch a single stats call accepts.
	MaxStatsBatch = 50
)

const (
	defaultBaseURL     = "https://www.googleapis.com/youtube/v3"
	defaultHTTPTimeout = 20 * time.Second
	defaultRPS         = 5

	endpointSearch        = "search"
	endpointVideos        = "videos"
	endpointPlaylistItems = "playlistItems"

	statusOK  = "ok"
	statusErr = "error"
)

var errPlatformStatus = errors.New("platform api status")

// Video is a platform listing entry. Listing endpoints return snippets only;
// DurationSeconds and ViewCount are populated when HasStats is true.
type Video struct {
	PlatformVideoID string
	ChannelID       string
	ChannelTitle    string
	Title           string
	Description     string
	PublishedAt     time.Time
	DurationSeconds int
	ViewCount       int64
	HasStats        bool
}

// Stats is a statistics refresh entry for a known video.
type Stats struct {
	PlatformVideoID string
	ViewCount       int64
	DurationSeconds int
}

type Client struct {
	apiKey  string
	baseURL string
	limiter *rate.Limiter
	client  *http.Client
	logger  *zerolog.Logger
}

func New(apiKey, baseURL string, rps float64, timeout time.Duration, logger *zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	if rps <= 0 {
		rps = defaultRPS
	}

	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		client: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// ChannelUploads lists recent uploads for a channel, newest first. Costs
// CostList units. Results carry snippets only.
func (c *Client) ChannelUploads(ctx context.Context, channelID string, publishedAfter time.Time, maxResults int) ([]Video, error) {
	values := url.Values{}
	values.Set("part", "snippet")
	values.Set("playlistId", uploadsPlaylistID(channelID))
	values.Set("maxResults", strconv.Itoa(maxResults))

	var payload playlistItemsResponse
	if err := c.get(ctx, endpointPlaylistItems, values, &payload); err != nil {
		return nil, err
	}

	videos := make([]Video, 0, len(payload.Items))

	for _, item := range payload.Items {
		v := Video{
			PlatformVideoID: item.Snippet.ResourceID.VideoID,
			ChannelID:       item.Snippet.ChannelID,
			ChannelTitle:    item.Snippet.ChannelTitle,
			Title:           item.Snippet.Title,
			Description:     item.Snippet.Description,
			PublishedAt:     parseDate(item.Snippet.PublishedAt),
		}
		if v.PlatformVideoID == "" {
			continue
		}

		if !publishedAfter.IsZero() && !v.PublishedAt.IsZero() && v.PublishedAt.Before(publishedAfter) {
			continue
		}

		videos = append(videos, v)
	}

	return videos, nil
}

// Trending lists the most popular videos for a region. Costs CostList units.
// Results include statistics and duration.
func (c *Client) Trending(ctx context.Context, region string, maxResults int) ([]Video, error) {
	values := url.Values{}
	values.Set("part", "snippet,contentDetails,statistics")
	values.Set("chart", "mostPopular")
	values.Set("regionCode", region)
	values.Set("maxResults", strconv.Itoa(maxResults))

	var payload videosResponse
	if err := c.get(ctx, endpointVideos, values, &payload); err != nil {
		return nil, err
	}

	return videosFromListing(payload), nil
}

// Search runs a keyword search for recent videos. Costs CostSearch units.
// Results carry snippets only.
func (c *Client) Search(ctx context.Context, query string, publishedAfter time.Time, maxResults int) ([]Video, error) {
	values := url.Values{}
	values.Set("part", "snippet")
	values.Set("type", "video")
	values.Set("order", "date")
	values.Set("q", query)
	values.Set("maxResults", strconv.Itoa(maxResults))

	if !publishedAfter.IsZero() {
		values.Set("publishedAfter", publishedAfter.UTC().Format(time.RFC3339))
	}

	var payload searchResponse
	if err := c.get(ctx, endpointSearch, values, &payload); err != nil {
		return nil, err
	}

	videos := make([]Video, 0, len(payload.Items))

	for _, item := range payload.Items {
		if item.ID.VideoID == "" {
			continue
		}

		videos = append(videos, Video{
			PlatformVideoID: item.ID.VideoID,
			ChannelID:       item.Snippet.ChannelID,
			ChannelTitle:    item.Snippet.ChannelTitle,
			Title:           item.Snippet.Title,
			Description:     item.Snippet.Description,
			PublishedAt:     parseDate(item.Snippet.PublishedAt),
		})
	}

	return videos, nil
}

// VideoStats fetches view counts and durations for up to MaxStatsBatch IDs.
// Costs CostList units per call. Missing IDs are silently absent from the
// result, which is how the platform reports deleted or private videos.
func (c *Client) VideoStats(ctx context.Context, ids []string) ([]Stats, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	if len(ids) > MaxStatsBatch {
		return nil, fmt.Errorf("%w: stats batch of %d exceeds %d", apperrors.ErrInvalidInput, len(ids), MaxStatsBatch)
	}

	values := url.Values{}
	values.Set("part", "contentDetails,statistics")
	values.Set("id", strings.Join(ids, ","))

	var payload videosResponse
	if err := c.get(ctx, endpointVideos, values, &payload); err != nil {
		return nil, err
	}

	stats := make([]Stats, 0, len(payload.Items))

	for _, item := range payload.Items {
		viewCount, _ := strconv.ParseInt(item.Statistics.ViewCount, 10, 64)

		stats = append(stats, Stats{
			PlatformVideoID: item.ID,
			ViewCount:       viewCount,
			DurationSeconds: parseISODuration(item.ContentDetails.Duration),
		})
	}

	return stats, nil
}

func (c *Client) get(ctx context.Context, endpoint string, values url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("platform rate limit: %w", err)
	}

	values.Set("key", c.apiKey)

	u, err := url.Parse(c.baseURL + "/" + endpoint)
	if err != nil {
		return fmt.Errorf("parse platform endpoint: %w", err)
	}

	u.RawQuery = values.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	start := time.Now()

	resp, err := c.client.Do(req)

	observability.PlatformRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.PlatformRequests.WithLabelValues(endpoint, statusErr).Inc()
		return fmt.Errorf("platform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		observability.PlatformRequests.WithLabelValues(endpoint, statusErr).Inc()
		return c.statusError(resp)
	}

	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		observability.PlatformRequests.WithLabelValues(endpoint, statusErr).Inc()
		return fmt.Errorf("decode platform response: %w", err)
	}

	observability.PlatformRequests.WithLabelValues(endpoint, statusOK).Inc()

	return nil
}

func (c *Client) statusError(resp *http.Response) error {
	var payload errorResponse

	decoder := json.NewDecoder(resp.Body)
	_ = decoder.Decode(&payload)

	for _, detail := range payload.Error.Errors {
		switch detail.Reason {
		case "quotaExceeded", "dailyLimitExceeded", "rateLimitExceeded":
			return fmt.Errorf("%w: %s", apperrors.ErrQuotaExhausted, detail.Reason)
		}
	}

	return fmt.Errorf("%w: %d %s", errPlatformStatus, resp.StatusCode, payload.Error.Message)
}

// WatchURL builds the public watch page for a platform video ID.
func WatchURL(platformVideoID string) string {
	return "https://www.youtube.com/watch?v=" + platformVideoID
}

// uploadsPlaylistID maps a channel ID to its uploads playlist. Channel IDs
// prefixed UC share an ID with the UU uploads playlist.
func uploadsPlaylistID(channelID string) string {
	if strings.HasPrefix(channelID, "UC") {
		return "UU" + channelID[2:]
	}

	return channelID
}

func videosFromListing(payload videosResponse) []Video {
	videos := make([]Video, 0, len(payload.Items))

	for _, item := range payload.Items {
		if item.ID == "" {
			continue
		}

		viewCount, _ := strconv.ParseInt(item.Statistics.ViewCount, 10, 64)

		videos = append(videos, Video{
			PlatformVideoID: item.ID,
			ChannelID:       item.Snippet.ChannelID,
			ChannelTitle:    item.Snippet.ChannelTitle,
			Title:           item.Snippet.Title,
			Description:     item.Snippet.Description,
			PublishedAt:     parseDate(item.Snippet.PublishedAt),
			DurationSeconds: parseISODuration(item.ContentDetails.Duration),
			ViewCount:       viewCount,
			HasStats:        true,
		})
	}

	return videos
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := dateparse.ParseAny(s)
	if err != nil {
		return time.Time{}
	}

	return t
}

// parseISODuration converts an ISO 8601 duration such as PT1H2M3S to seconds.
func parseISODuration(s string) int {
	if !strings.HasPrefix(s, "P") {
		return 0
	}

	var total, value int

	inTime := false

	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			value = value*10 + int(r-'0')
		case r == 'T':
			inTime = true
			value = 0
		case r == 'D':
			total += value * 24 * 3600
			value = 0
		case r == 'H' && inTime:
			total += value * 3600
			value = 0
		case r == 'M' && inTime:
			total += value * 60
			value = 0
		case r == 'S' && inTime:
			total += value
			value = 0
		default:
			value = 0
		}
	}

	return total
}

type searchResponse struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"` //nolint:tagliatelle
		} `json:"id"`
		Snippet snippet `json:"snippet"`
	} `json:"items"`
}

type videosResponse struct {
	Items []struct {
		ID             string  `json:"id"`
		Snippet        snippet `json:"snippet"`
		ContentDetails struct {
			Duration string `json:"duration"`
		} `json:"contentDetails"` //nolint:tagliatelle
		Statistics struct {
			ViewCount string `json:"viewCount"` //nolint:tagliatelle
		} `json:"statistics"`
	} `json:"items"`
}

type playlistItemsResponse struct {
	Items []struct {
		Snippet struct {
			PublishedAt  string `json:"publishedAt"`  //nolint:tagliatelle
			ChannelID    string `json:"channelId"`    //nolint:tagliatelle
			ChannelTitle string `json:"channelTitle"` //nolint:tagliatelle
			Title        string `json:"title"`
			Description  string `json:"description"`
			ResourceID   struct {
				VideoID string `json:"videoId"` //nolint:tagliatelle
			} `json:"resourceId"` //nolint:tagliatelle
		} `json:"snippet"`
	} `json:"items"`
}

type snippet struct {
	PublishedAt  string `json:"publishedAt"`  //nolint:tagliatelle
	ChannelID    string `json:"channelId"`    //nolint:tagliatelle
	ChannelTitle string `json:"channelTitle"` //nolint:tagliatelle
	Title        string `json:"title"`
	Description  string `json:"description"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}
