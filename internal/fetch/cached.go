package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/research-assistant/internal/types"
)

const (
	// DefaultCacheSize is the number of reference pages remembered
	DefaultCacheSize = 256
	// DefaultCacheTTL is how long a fetched reference stays fresh
	DefaultCacheTTL = 24 * time.Hour
	// defaultConcurrency bounds parallel fetches during enrichment
	defaultConcurrency = 4
)

// CachedFetcher wraps reference fetching with an in-memory expiring cache.
// Permanent failures are cached too so a dead link is not retried every turn.
type CachedFetcher struct {
	cache       *expirable.LRU[string, cacheEntry]
	options     *Options
	logger      *zap.Logger
	concurrency int
}

type cacheEntry struct {
	ref types.Reference
	err error
}

// CachedFetcherConfig holds configuration for the cached fetcher.
type CachedFetcherConfig struct {
	CacheSize   int
	CacheTTL    time.Duration
	Concurrency int
	Options     *Options
	Logger      *zap.Logger
}

// DefaultCachedFetcherConfig returns sensible defaults.
func DefaultCachedFetcherConfig() *CachedFetcherConfig {
	return &CachedFetcherConfig{
		CacheSize:   DefaultCacheSize,
		CacheTTL:    DefaultCacheTTL,
		Concurrency: defaultConcurrency,
		Options:     DefaultOptions(),
	}
}

// NewCachedFetcher creates a new cached fetcher.
func NewCachedFetcher(config *CachedFetcherConfig) *CachedFetcher {
	if config == nil {
		config = DefaultCachedFetcherConfig()
	}
	if config.Options == nil {
		config.Options = DefaultOptions()
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaultConcurrency
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedFetcher{
		cache:       expirable.NewLRU[string, cacheEntry](config.CacheSize, nil, config.CacheTTL),
		options:     config.Options,
		logger:      logger,
		concurrency: config.Concurrency,
	}
}

// CachedResult is a fetched reference with cache metadata.
type CachedResult struct {
	Reference types.Reference
	FromCache bool
}

// Fetch retrieves citation metadata for a page, using the cache if available.
func (f *CachedFetcher) Fetch(ctx context.Context, urlStr string) (*CachedResult, error) {
	if entry, ok := f.cache.Get(urlStr); ok {
		if entry.err != nil {
			return nil, entry.err
		}
		return &CachedResult{Reference: entry.ref, FromCache: true}, nil
	}

	result, err := URL(ctx, urlStr, f.options)
	if err != nil {
		var fetchErr *Error
		if errors.As(err, &fetchErr) && !fetchErr.Retryable && ctx.Err() == nil {
			f.cache.Add(urlStr, cacheEntry{err: err})
		}
		return nil, err
	}

	ref, err := ExtractCitation(result.HTML, urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to extract citation from %s: %w", urlStr, err)
	}
	f.cache.Add(urlStr, cacheEntry{ref: ref})
	return &CachedResult{Reference: ref}, nil
}

// Enrich fills missing reference fields from each reference's landing page.
// References without a URL or DOI, and references whose fetch fails, are returned unchanged.
// The output keeps the input order.
func (f *CachedFetcher) Enrich(ctx context.Context, refs []types.Reference) []types.Reference {
	out := make([]types.Reference, len(refs))
	copy(out, refs)

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i := range out {
		target := ReferenceURL(out[i])
		if target == "" {
			continue
		}
		g.Go(func() error {
			result, err := f.Fetch(ctx, target)
			if err != nil {
				f.logger.Debug("reference enrichment failed",
					zap.String("url", target),
					zap.Error(err))
				return nil
			}
			out[i] = Merge(out[i], result.Reference)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
