package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"github.com/scanward/scanward/internal/core/domain"
	"github.com/scanward/scanward/internal/core/ports"
	"github.com/scanward/scanward/internal/core/risk"
	"github.com/scanward/scanward/internal/platform/observability"
)

const (
	feedFetchTimeout   = 15 * time.Second
	maxFeedEntries     = 50
	feedSourcesPerRun  = 100
	phaseFeedWatch     = "feed_watch"
	headerUserAgent    = "User-Agent"
	errFmtFetchFeed    = "fetch feed: %w"
	errFmtParseFeed    = "parse feed: %w"
	errFmtFeedHTTPCode = "fetch feed: unexpected status %d"
)

// FeedWatcher polls public upload feeds of tracked sources. Feeds cost no
// platform quota, so dormant sources the quota never reaches still surface
// their uploads. Entries are upserted without statistics; the next run's
// refresh phase fills those in.
type FeedWatcher struct {
	httpClient *http.Client
	parser     *gofeed.Parser
	videos     ports.VideoRepository
	sources    ports.SourceRepository
	targets    ports.TargetRepository
	userAgent  string
	logger     *zerolog.Logger
	now        func() time.Time
}

func NewFeedWatcher(
	videos ports.VideoRepository,
	sources ports.SourceRepository,
	targets ports.TargetRepository,
	userAgent string,
	logger *zerolog.Logger,
) *FeedWatcher {
	return &FeedWatcher{
		httpClient: &http.Client{Timeout: feedFetchTimeout},
		parser:     gofeed.NewParser(),
		videos:     videos,
		sources:    sources,
		targets:    targets,
		userAgent:  userAgent,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep polls every source that has a feed URL and returns the number of new
// videos found. Per-feed failures are logged and skipped.
func (w *FeedWatcher) Sweep(ctx context.Context) (int, error) {
	targets, err := w.targets.ListActiveTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active targets: %w", err)
	}

	feedSources, err := w.sources.ListWithFeeds(ctx, feedSourcesPerRun)
	if err != nil {
		return 0, fmt.Errorf("list sources with feeds: %w", err)
	}

	found := 0

	for i := range feedSources {
		if err := ctx.Err(); err != nil {
			return found, err
		}

		src := &feedSources[i]

		feed, err := w.fetchFeed(ctx, src.FeedURL)
		if err != nil {
			observability.FeedPolls.WithLabelValues("error").Inc()
			w.logger.Warn().Err(err).Str("source_id", src.ID).Str("feed_url", src.FeedURL).Msg("Feed poll failed")

			continue
		}

		observability.FeedPolls.WithLabelValues("ok").Inc()

		found += w.ingestFeed(ctx, src, feed, targets)
	}

	if found > 0 {
		w.logger.Info().Int("videos_found", found).Int("sources_polled", len(feedSources)).Msg("Feed sweep finished")
	}

	return found, nil
}

func (w *FeedWatcher) fetchFeed(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set(headerUserAgent, w.userAgent)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf(errFmtFetchFeed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(errFmtFeedHTTPCode, resp.StatusCode)
	}

	feed, err := w.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf(errFmtParseFeed, err)
	}

	return feed, nil
}

func (w *FeedWatcher) ingestFeed(ctx context.Context, src *domain.Source, feed *gofeed.Feed, targets []domain.Target) int {
	found := 0
	now := w.now()

	for i, item := range feed.Items {
		if i >= maxFeedEntries {
			break
		}

		videoID := videoIDFromLink(item.Link)
		if videoID == "" {
			continue
		}

		matched := matchTargets(targets, item.Title, item.Description)

		breakdown := risk.ScoreVideo(risk.VideoSignals{
			SourceRiskScore: src.RiskScore,
			PublishedAt:     itemPublished(item),
			Now:             now,
			MatchedTargets:  len(matched),
			Title:           item.Title,
			Description:     item.Description,
		})

		video := &domain.Video{
			PlatformVideoID: videoID,
			SourceID:        src.ID,
			Title:           item.Title,
			Description:     item.Description,
			PublishedAt:     itemPublished(item),
			Status:          domain.VideoStatusDiscovered,
			MatchedTargets:  matched,
			ScanPriority:    breakdown.Total,
			SourceRisk:      breakdown.SourceRisk(),
			ItemRisk:        breakdown.ItemRisk(),
		}

		inserted, err := w.videos.UpsertDiscovered(ctx, video)
		if err != nil {
			w.logger.Warn().Err(err).Str("platform_video_id", videoID).Msg("Failed to upsert feed video")

			continue
		}

		if !inserted {
			continue
		}

		found++

		observability.DiscoveryItemsFound.WithLabelValues(phaseFeedWatch).Inc()

		if len(matched) > 0 {
			observability.DiscoveryItemsMatched.Inc()

			w.logger.Info().
				Str("platform_video_id", videoID).
				Str("source_id", src.ID).
				Strs("matched_targets", matched).
				Msg("Matched video found via feed")
		}
	}

	return found
}

// itemPublished resolves the entry timestamp, falling back to a permissive
// parse for feeds that format dates loosely.
func itemPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}

	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}

	for _, raw := range []string{item.Published, item.Updated} {
		if raw == "" {
			continue
		}

		if t, err := dateparse.ParseAny(raw); err == nil {
			return t
		}
	}

	return time.Time{}
}

// videoIDFromLink extracts the platform video ID from a feed entry link.
func videoIDFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}

	if v := u.Query().Get("v"); v != "" {
		return v
	}

	// Shorts and embed links carry the ID as a path segment.
	for _, prefix := range []string{"/shorts/", "/embed/", "/v/"} {
		if rest, ok := strings.CutPrefix(u.Path, prefix); ok && rest != "" {
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				rest = rest[:idx]
			}

			return rest
		}
	}

	return ""
}
