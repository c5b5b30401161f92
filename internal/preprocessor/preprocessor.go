// Package preprocessor orchestrates the rebuild cycle: the one place that
// pulls from every upstream (local reader, reputation client, geo
// enricher), correlates, and commits a fresh indicator snapshot to the
// cache. Concurrent triggers coalesce onto the in-flight cycle via
// singleflight, so at most one rebuild runs at a time.
package preprocessor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"iocbridge/internal/cache"
	"iocbridge/internal/correlator"
	"iocbridge/internal/models"
	"iocbridge/internal/reputation"
	"iocbridge/pkg/logger"
	"iocbridge/pkg/metrics"
)

// LocalSource is the subset of internal/localreader.Reader the preprocessor
// depends on.
type LocalSource interface {
	FetchAll(ctx context.Context) ([]models.LocalRecord, error)
}

// ReputationSource is the subset of internal/reputation.Client the
// preprocessor depends on.
type ReputationSource interface {
	GetBlacklist(ctx context.Context, minConfidence int) ([]models.ReputationRecord, error)
}

// GeoSource is the subset of internal/geoenrich.Enricher the preprocessor
// depends on.
type GeoSource interface {
	Enrich(ctx context.Context, ip string) (models.GeoRecord, error)
}

// Config bundles the preprocessor's tunables.
type Config struct {
	BatchSize             int
	PreprocessTTL         time.Duration // snapshot TTL, must outlive one interval
	PreprocessInterval    time.Duration
	AutoStart             bool
	MinExternalConfidence int // blacklist threshold, default 50
	CorrelatorParams      correlator.Params

	// Tracker receives rebuild counters and durations; nil disables.
	Tracker *metrics.Tracker

	// OnRebuild, when set, is invoked with the stats of every successfully
	// committed cycle.
	OnRebuild func(RebuildStats)
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PreprocessInterval <= 0 {
		c.PreprocessInterval = 5 * time.Minute
	}
	if c.PreprocessTTL <= 0 {
		c.PreprocessTTL = c.PreprocessInterval + 2*time.Minute
	}
	if c.MinExternalConfidence <= 0 {
		c.MinExternalConfidence = 50
	}
	return c
}

// Preprocessor owns the rebuild cycle. It is safe for concurrent use:
// concurrent Trigger calls coalesce onto whichever cycle is already
// running.
type Preprocessor struct {
	local   LocalSource
	rep     ReputationSource
	geo     GeoSource
	cache   cache.Cache
	cfg     Config
	log     *logger.Logger
	sf      singleflight.Group
	statTTL time.Duration
}

func New(local LocalSource, rep ReputationSource, geo GeoSource, c cache.Cache, cfg Config, log *logger.Logger) *Preprocessor {
	return &Preprocessor{
		local:   local,
		rep:     rep,
		geo:     geo,
		cache:   c,
		cfg:     cfg.withDefaults(),
		log:     log.WithComponent("preprocessor"),
		statTTL: 7 * 24 * time.Hour,
	}
}

// Trigger runs one rebuild cycle, or waits for and returns the result of
// an already-running one. The soft cycle deadline is only ever logged
// against, never used to cancel in-flight batches.
func (p *Preprocessor) Trigger(ctx context.Context) (RebuildStats, error) {
	v, err, _ := p.sf.Do("rebuild", func() (any, error) {
		return p.runCycle(ctx)
	})
	if err != nil {
		return RebuildStats{}, err
	}
	return v.(RebuildStats), nil
}

func (p *Preprocessor) softDeadline() time.Duration {
	d := p.cfg.PreprocessInterval * 3
	if d < 15*time.Minute {
		d = 15 * time.Minute
	}
	return d
}

func (p *Preprocessor) runCycle(ctx context.Context) (RebuildStats, error) {
	stats := RebuildStats{StartedAt: time.Now()}

	locals, err := p.local.FetchAll(ctx)
	localHardFailed := err != nil
	if err != nil {
		p.log.Warn("preprocessor: local reader failed, proceeding without local data: %v", err)
		locals = nil
	}

	var externalHardFailed bool
	externals, err := p.rep.GetBlacklist(ctx, p.cfg.MinExternalConfidence)
	if err != nil {
		if errors.Is(err, reputation.ErrBudgetExhausted) {
			stats.BudgetExhausted = true
			p.log.Warn("preprocessor: reputation budget exhausted, proceeding with cached-only externals")
		} else {
			externalHardFailed = true
			p.log.Warn("preprocessor: reputation fetch failed, proceeding without external data: %v", err)
		}
		externals = nil
	}

	localByIP := make(map[string]models.LocalRecord, len(locals))
	for _, l := range locals {
		localByIP[l.IP] = l
	}
	externalByIP := make(map[string]models.ReputationRecord, len(externals))
	for _, e := range externals {
		externalByIP[e.IP] = e
	}

	keys := make([]string, 0, len(localByIP)+len(externalByIP))
	seen := make(map[string]struct{}, len(localByIP)+len(externalByIP))
	for ip := range localByIP {
		if _, ok := seen[ip]; !ok {
			seen[ip] = struct{}{}
			keys = append(keys, ip)
		}
	}
	for ip := range externalByIP {
		if _, ok := seen[ip]; !ok {
			seen[ip] = struct{}{}
			keys = append(keys, ip)
		}
	}
	sort.Strings(keys)

	now := time.Now()
	indicators := make([]models.Indicator, 0, len(keys))
	for batchStart := 0; batchStart < len(keys); batchStart += p.cfg.BatchSize {
		end := batchStart + p.cfg.BatchSize
		if end > len(keys) {
			end = len(keys)
		}
		for _, ip := range keys[batchStart:end] {
			local, hasLocal := localByIP[ip]
			external, hasExternal := externalByIP[ip]

			ind, err := p.buildIndicator(ctx, ip, local, hasLocal, external, hasExternal, now, &stats)
			if err != nil {
				stats.PartialFailures++
				p.log.Warn("preprocessor: failed to build indicator for %s: %v", ip, err)
				continue
			}
			indicators = append(indicators, ind)
		}
	}

	if len(indicators) == 0 && (localHardFailed || externalHardFailed) {
		// Empty sources that fetched successfully still produce a valid
		// (empty) snapshot; only a hard fetch failure that leaves nothing
		// to assemble aborts the cycle and keeps the previous snapshot.
		stats.FinishedAt = time.Now()
		p.cfg.Tracker.IncrementCounter("rebuilds_failed")
		return stats, ErrCycleProducedNothing
	}

	highConfidence := make([]models.Indicator, 0)
	for _, ind := range indicators {
		if ind.FinalConfidence >= 80 {
			highConfidence = append(highConfidence, ind)
		}
	}

	if err := p.commit(ctx, indicators, highConfidence); err != nil {
		stats.FinishedAt = time.Now()
		p.cfg.Tracker.IncrementCounter("rebuilds_failed")
		return stats, fmt.Errorf("preprocessor: commit: %w", err)
	}

	stats.FinishedAt = time.Now()
	stats.TotalIndicators = len(indicators)
	stats.HighConfidence = len(highConfidence)
	if stats.GeoAttempted > 0 {
		stats.GeoSuccessRatio = float64(stats.GeoSucceeded) / float64(stats.GeoAttempted)
	}

	if buf, err := json.Marshal(stats); err == nil {
		_ = p.cache.Set(ctx, KeyLastRebuild, buf, p.statTTL)
	}
	p.cfg.Tracker.IncrementCounter("rebuilds_total")
	p.cfg.Tracker.ObserveDuration("rebuild_duration", stats.Duration())
	if p.cfg.OnRebuild != nil {
		p.cfg.OnRebuild(stats)
	}
	if d := stats.Duration(); d > p.softDeadline() {
		p.log.Warn("preprocessor: rebuild cycle took %s, exceeding soft deadline %s", d, p.softDeadline())
	}

	return stats, nil
}

func (p *Preprocessor) buildIndicator(
	ctx context.Context,
	ip string,
	local models.LocalRecord, hasLocal bool,
	external models.ReputationRecord, hasExternal bool,
	now time.Time,
	stats *RebuildStats,
) (models.Indicator, error) {
	var localConf, externalConf *int
	if hasLocal {
		c := local.Confidence
		localConf = &c
	}
	if hasExternal {
		c := external.Confidence
		externalConf = &c
	}

	final := correlator.Correlate(localConf, externalConf, p.cfg.CorrelatorParams)
	categories := correlator.MergeCategories(local.Categories, external.Categories)
	sourceSet := correlator.SourceSet(localConf, externalConf)

	ind := models.Indicator{
		IP:                 ip,
		SourceSet:          sourceSet,
		LocalConfidence:    localConf,
		ExternalConfidence: externalConf,
		FinalConfidence:    final,
		Categories:         categories,
		ProcessedAt:        now,
	}

	if hasLocal {
		ind.FirstReportedAt = local.FirstReportedAt
		ind.LastReportedAt = local.LastReportedAt
		ind.Provenance = append(ind.Provenance, models.ProvenanceEntry{
			SourceName: "local-threat-db",
			ObservedAt: local.LastReportedAt,
		})
	}
	if hasExternal {
		if ind.FirstReportedAt.IsZero() {
			ind.FirstReportedAt = external.LastSeen
		}
		if external.LastSeen.After(ind.LastReportedAt) {
			ind.LastReportedAt = external.LastSeen
		}
		ind.Provenance = append(ind.Provenance, models.ProvenanceEntry{
			SourceName: "reputation-api",
			ObservedAt: external.LastSeen,
		})
	}

	stats.GeoAttempted++
	geoRec, err := p.geo.Enrich(ctx, ip)
	if err != nil {
		p.log.Debug("preprocessor: geo enrichment skipped for %s: %v", ip, err)
	} else {
		stats.GeoSucceeded++
		ind.Geo = &models.Geo{
			CountryCode: geoRec.CountryCode,
			CountryName: geoRec.CountryName,
			City:        geoRec.City,
			Lat:         geoRec.Lat,
			Lon:         geoRec.Lon,
			ASN:         geoRec.ASN,
			ISP:         geoRec.ISP,
		}
		ind.Provenance = append(ind.Provenance, models.ProvenanceEntry{
			SourceName: geoRec.ProviderName,
			ObservedAt: geoRec.FetchedAt,
		})
	}

	return ind, nil
}

func (p *Preprocessor) commit(ctx context.Context, all, highConfidence []models.Indicator) error {
	allBuf, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	hcBuf, err := json.Marshal(highConfidence)
	if err != nil {
		return fmt.Errorf("marshal high-confidence snapshot: %w", err)
	}

	if err := p.cache.AtomicSwap(ctx, KeyPreprocessedIOCs, allBuf, p.cfg.PreprocessTTL); err != nil {
		return fmt.Errorf("swap %s: %w", KeyPreprocessedIOCs, err)
	}
	if err := p.cache.AtomicSwap(ctx, KeyHighConfidenceIOCs, hcBuf, p.cfg.PreprocessTTL); err != nil {
		return fmt.Errorf("swap %s: %w", KeyHighConfidenceIOCs, err)
	}
	return nil
}

// Run starts the periodic trigger loop; it blocks until ctx is cancelled.
// If cfg.AutoStart is set, callers should invoke Trigger once before Run
// rather than waiting for the first tick.
func (p *Preprocessor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PreprocessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Trigger(ctx); err != nil {
				p.log.Error("preprocessor: periodic rebuild failed: %v", err)
			}
		}
	}
}
