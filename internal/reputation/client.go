// Package reputation is a budget-gated, cache-fronted HTTP client for an
// AbuseIPDB-shaped blacklist/check API. Every outbound request consumes
// one unit of a UTC-day budget; cache hits are free.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"iocbridge/internal/cache"
	"iocbridge/internal/models"
	"iocbridge/internal/utils"
	"iocbridge/pkg/logger"
	"iocbridge/pkg/metrics"
)

const (
	blacklistCacheKey   = "rep:blacklist"
	checkCacheKeyPrefix = "rep:ip:"
	defaultResultTTL    = time.Hour
	maxRetries          = 3
	backoffInitial      = time.Second
	backoffCap          = 30 * time.Second
	userAgent           = "iocbridge/1.0"
)

// Config holds the upstream connection and gating parameters.
type Config struct {
	BaseURL    string
	APIKey     string
	DailyLimit int
	Timeout    time.Duration
	ResultTTL  time.Duration // 0 means defaultResultTTL

	// Tracker receives cache-hit/miss and budget counters; nil disables.
	Tracker *metrics.Tracker
}

// Client fetches per-IP reputation. It is safe for concurrent use.
type Client struct {
	http    *http.Client
	cfg     Config
	cache   cache.Cache
	budget  *budget
	tracker *metrics.Tracker
	log     *logger.Logger
}

// New builds a Client. The pooled transport is shared by every call so a
// single client can be reused across the process lifetime.
func New(cfg Config, c cache.Cache, log *logger.Logger) *Client {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = defaultResultTTL
	}
	return &Client{
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		cfg:     cfg,
		cache:   c,
		budget:  newBudget(c, cfg.DailyLimit),
		tracker: cfg.Tracker,
		log:     log.WithComponent("reputation"),
	}
}

// abuseIPDBEntry is the defensively-parsed shape of one blacklist/check
// record. Fields beyond IP/confidence are optional: a record missing them
// is still usable, only a missing ipAddress or confidence disqualifies it.
type abuseIPDBEntry struct {
	IPAddress            string   `json:"ipAddress"`
	AbuseConfidenceScore *int     `json:"abuseConfidenceScore"`
	CountryCode          string   `json:"countryCode"`
	ISP                  string   `json:"isp"`
	TotalReports         int      `json:"totalReports"`
	LastReportedAt       string   `json:"lastReportedAt"`
	Categories           []string `json:"categories"`
}

func (e abuseIPDBEntry) valid() bool {
	return e.IPAddress != "" && e.AbuseConfidenceScore != nil
}

func (e abuseIPDBEntry) toRecord(raw json.RawMessage, now time.Time) models.ReputationRecord {
	lastSeen, _ := time.Parse(time.RFC3339, e.LastReportedAt)
	return models.ReputationRecord{
		IP:            e.IPAddress,
		Confidence:    *e.AbuseConfidenceScore,
		Categories:    e.Categories,
		ReporterCount: e.TotalReports,
		LastSeen:      lastSeen,
		Raw:           raw,
		FetchedAt:     now,
	}
}

// GetBlacklist returns every cached-or-fetched record at or above
// minConfidence. A cache hit never consumes budget; a miss does, and
// returns ErrBudgetExhausted once the day's cap is reached with nothing
// usable cached.
func (c *Client) GetBlacklist(ctx context.Context, minConfidence int) ([]models.ReputationRecord, error) {
	all, err := c.blacklist(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ReputationRecord, 0, len(all))
	for _, r := range all {
		if r.Confidence >= minConfidence {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Client) blacklist(ctx context.Context) ([]models.ReputationRecord, error) {
	if cached, ok := c.getCached(ctx, blacklistCacheKey); ok {
		var records []models.ReputationRecord
		if err := json.Unmarshal(cached, &records); err == nil {
			c.tracker.IncrementCounter("reputation_cache_hit")
			return records, nil
		}
	}
	c.tracker.IncrementCounter("reputation_cache_miss")

	allowed, err := c.budget.reserve(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	if !allowed {
		c.tracker.IncrementCounter("reputation_budget_exhausted")
		return nil, ErrBudgetExhausted
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/blacklist", nil)
	if err != nil {
		return nil, fmt.Errorf("reputation: build request: %w", err)
	}
	c.setHeaders(req)

	body, err := c.doWithBackoff(req)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Data []abuseIPDBEntry `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("reputation: decode blacklist: %w", err)
	}

	now := time.Now()
	records := make([]models.ReputationRecord, 0, len(decoded.Data))
	for _, e := range decoded.Data {
		if !e.valid() {
			c.log.Warn("reputation: skipping malformed blacklist entry")
			continue
		}
		raw, _ := json.Marshal(e)
		records = append(records, e.toRecord(raw, now))
	}

	if buf, err := json.Marshal(records); err == nil {
		_ = c.cache.Set(ctx, blacklistCacheKey, buf, c.cfg.ResultTTL)
	}
	return records, nil
}

// Check looks up a single IP. A non-expired cached record answers without
// touching the budget; once the daily budget is exhausted and nothing is
// cached, the call fails with ErrBudgetExhausted.
func (c *Client) Check(ctx context.Context, ip string) (models.ReputationRecord, error) {
	key := checkCacheKeyPrefix + ip

	if cached, ok := c.getCached(ctx, key); ok {
		var r models.ReputationRecord
		if err := json.Unmarshal(cached, &r); err == nil {
			c.tracker.IncrementCounter("reputation_cache_hit")
			return r, nil
		}
	}
	c.tracker.IncrementCounter("reputation_cache_miss")

	allowed, err := c.budget.reserve(ctx, time.Now())
	if err != nil {
		return models.ReputationRecord{}, err
	}
	if !allowed {
		c.tracker.IncrementCounter("reputation_budget_exhausted")
		return models.ReputationRecord{}, ErrBudgetExhausted
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/check", nil)
	if err != nil {
		return models.ReputationRecord{}, fmt.Errorf("reputation: build request: %w", err)
	}
	q := req.URL.Query()
	q.Set("ipAddress", ip)
	req.URL.RawQuery = q.Encode()
	c.setHeaders(req)

	body, err := c.doWithBackoff(req)
	if err != nil {
		return models.ReputationRecord{}, err
	}

	var decoded struct {
		Data abuseIPDBEntry `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return models.ReputationRecord{}, fmt.Errorf("reputation: decode check: %w", err)
	}
	if !decoded.Data.valid() {
		return models.ReputationRecord{}, ErrNotFound
	}

	raw, _ := json.Marshal(decoded.Data)
	record := decoded.Data.toRecord(raw, time.Now())

	if buf, err := json.Marshal(record); err == nil {
		_ = c.cache.Set(ctx, key, buf, c.cfg.ResultTTL)
	}
	return record, nil
}

func (c *Client) getCached(ctx context.Context, key string) ([]byte, bool) {
	v, err := c.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

// doWithBackoff executes req, retrying on 429 and 5xx responses with
// jittered exponential backoff. The caller has reserved budget for the
// first attempt; each retry reserves one more unit and fails with
// ErrBudgetExhausted once the daily cap is reached.
func (c *Client) doWithBackoff(req *http.Request) ([]byte, error) {
	b := utils.NewBackoff(backoffInitial, backoffCap)
	b.Jitter = true

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			allowed, err := c.budget.reserve(req.Context(), time.Now())
			if err != nil {
				return nil, err
			}
			if !allowed {
				c.tracker.IncrementCounter("reputation_budget_exhausted")
				return nil, ErrBudgetExhausted
			}
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrTransient, err)
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				lastErr = fmt.Errorf("%w: reading body: %v", ErrTransient, readErr)
			} else if resp.StatusCode == http.StatusOK {
				return body, nil
			} else if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
			} else {
				return nil, fmt.Errorf("reputation: upstream error %d: %s", resp.StatusCode, string(body))
			}
		}

		if attempt == maxRetries {
			break
		}
		delay := b.Next()
		c.log.Warn("reputation: retrying after %s (attempt %d/%d): %v", delay, attempt+1, maxRetries, lastErr)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// UsedToday reports the daily budget consumption, exposed for /stats.
func (c *Client) UsedToday(ctx context.Context) (used, limit int, err error) {
	used, err = c.budget.usedToday(ctx, time.Now())
	return used, c.cfg.DailyLimit, err
}
