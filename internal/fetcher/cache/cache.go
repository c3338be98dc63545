// Package cache memoizes fetch-and-extract results for a single job.
package cache

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/metrics"
)

// DefaultSize is the number of (url, followLinks) results kept per job.
const DefaultSize = 128

// Cache implements crawler.PageFetcher. Identical requests that overlap share
// one network call; successful results are kept in a bounded LRU. Failed
// fetches are handed to every waiter of that call but never stored.
type Cache struct {
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	entries   *lru.Cache[string, crawler.FetchResult]
	group     singleflight.Group
	logger    *zap.Logger
}

// New builds a Cache holding at most size results (DefaultSize when size <= 0).
func New(fetcher crawler.Fetcher, extractor crawler.Extractor, size int, logger *zap.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := lru.New[string, crawler.FetchResult](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	metrics.Init()
	return &Cache{
		fetcher:   fetcher,
		extractor: extractor,
		entries:   entries,
		logger:    logger,
	}, nil
}

// Fetch returns the images and, when followLinks is set, the links found at
// url. It never fails: an unreachable page yields an empty result.
func (c *Cache) Fetch(ctx context.Context, url string, followLinks bool) crawler.FetchResult {
	key := cacheKey(url, followLinks)
	if res, ok := c.entries.Get(key); ok {
		metrics.ObserveCache(metrics.CacheHit)
		return clone(res)
	}

	// The in-flight call is shared, so it must not die with one caller.
	detached := context.WithoutCancel(ctx)
	v, err, shared := c.group.Do(key, func() (any, error) {
		res, err := c.load(detached, url, followLinks)
		if err != nil {
			return res, err
		}
		c.entries.Add(key, res)
		return res, nil
	})
	if shared {
		metrics.ObserveCache(metrics.CacheShared)
	} else {
		metrics.ObserveCache(metrics.CacheMiss)
	}
	res, _ := v.(crawler.FetchResult)
	if err != nil {
		return emptyResult()
	}
	return clone(res)
}

// Len reports how many results are cached.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) load(ctx context.Context, url string, followLinks bool) (crawler.FetchResult, error) {
	page, err := c.fetcher.Fetch(ctx, url)
	if err != nil {
		metrics.ObserveFetch(url, "error", page.Duration)
		c.logger.Warn("fetch failed",
			zap.String("url", url),
			zap.Bool("follow_links", followLinks),
			zap.Error(err),
		)
		return emptyResult(), fmt.Errorf("fetch %s: %w", url, err)
	}
	metrics.ObserveFetch(url, "success", page.Duration)

	base := page.URL
	if base == "" {
		base = url
	}
	res := c.extractor.Extract(base, page.Body)
	if res.Images == nil {
		res.Images = []string{}
	}
	if !followLinks || res.Links == nil {
		res.Links = []string{}
	}
	c.logger.Debug("page fetched",
		zap.String("url", url),
		zap.Int("status", page.StatusCode),
		zap.Int("images", len(res.Images)),
		zap.Int("links", len(res.Links)),
		zap.Duration("duration", page.Duration),
	)
	return res, nil
}

func cacheKey(url string, followLinks bool) string {
	return strconv.FormatBool(followLinks) + "|" + url
}

func emptyResult() crawler.FetchResult {
	return crawler.FetchResult{Images: []string{}, Links: []string{}}
}

func clone(res crawler.FetchResult) crawler.FetchResult {
	return crawler.FetchResult{
		Images: slices.Clone(res.Images),
		Links:  slices.Clone(res.Links),
	}
}
