// Package geoenrich looks up geolocation data for an IP through an
// ordered chain of free providers, short-circuited by a long-TTL cache.
// All outbound requests share one process-global pacing limiter so the
// free tiers never see bursts.
package geoenrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"iocbridge/internal/cache"
	"iocbridge/internal/models"
	"iocbridge/pkg/logger"
	"iocbridge/pkg/metrics"
)

const (
	geoCacheKeyPrefix = "geo:"
	defaultCacheTTL   = 24 * time.Hour
	defaultTimeout    = 5 * time.Second
)

// Config controls the enricher's cache TTL, per-request timeout and
// inter-request pacing.
type Config struct {
	CacheTTL   time.Duration // 0 means defaultCacheTTL
	Timeout    time.Duration // 0 means defaultTimeout
	RequestGap time.Duration // minimum spacing between outbound requests, default 1s

	// Tracker receives cache-hit/miss counters; nil disables.
	Tracker *metrics.Tracker
}

// Enricher looks up geolocation data for an IP through an ordered provider
// fallback chain, short-circuited by a long-TTL cache.
type Enricher struct {
	providers []Provider
	cache     cache.Cache
	http      *http.Client
	limiter   *rate.Limiter
	cfg       Config
	log       *logger.Logger
}

// New builds an Enricher over the given provider chain (order is the
// fallback order). Pass geoenrich.DefaultProviders() for the standard chain.
func New(providers []Provider, c cache.Cache, cfg Config, log *logger.Logger) *Enricher {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestGap <= 0 {
		cfg.RequestGap = time.Second
	}
	return &Enricher{
		providers: providers,
		cache:     c,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Every(cfg.RequestGap), 1),
		cfg:       cfg,
		log:       log.WithComponent("geoenrich"),
	}
}

// Enrich returns a usable GeoRecord for ip, preferring a non-expired cached
// result. On a cache miss it walks the provider chain in order, pacing every
// outbound attempt through the shared limiter, and returns ErrNotFound only
// once every provider has failed or returned an unusable record. Callers
// must tolerate ErrNotFound and omit geo fields.
func (e *Enricher) Enrich(ctx context.Context, ip string) (models.GeoRecord, error) {
	key := geoCacheKeyPrefix + ip
	if cached, err := e.cache.Get(ctx, key); err == nil {
		var rec models.GeoRecord
		if err := json.Unmarshal(cached, &rec); err == nil && rec.Usable() {
			e.cfg.Tracker.IncrementCounter("geo_cache_hit")
			return rec, nil
		}
	}
	e.cfg.Tracker.IncrementCounter("geo_cache_miss")

	for _, p := range e.providers {
		if err := e.limiter.Wait(ctx); err != nil {
			return models.GeoRecord{}, fmt.Errorf("geoenrich: pacing wait: %w", err)
		}

		rec, err := p.Lookup(ctx, e.http, ip)
		if err != nil {
			e.log.Warn("geoenrich: provider %s failed for %s: %v", p.Name(), ip, err)
			continue
		}
		if !rec.Usable() {
			e.log.Warn("geoenrich: provider %s returned unusable record for %s", p.Name(), ip)
			continue
		}

		rec.FetchedAt = time.Now()
		if buf, err := json.Marshal(rec); err == nil {
			_ = e.cache.Set(ctx, key, buf, e.cfg.CacheTTL)
		}
		return rec, nil
	}

	return models.GeoRecord{}, ErrNotFound
}
