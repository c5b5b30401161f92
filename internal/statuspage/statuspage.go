// Package statuspage serves the observability surface: process liveness,
// cache reachability, rebuild freshness on /health, and the
// counters/budget/hit-ratio snapshot on /stats, plus a Prometheus
// exposition on /metrics.
package statuspage

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iocbridge/internal/cache"
	"iocbridge/internal/preprocessor"
	"iocbridge/internal/reputation"
	"iocbridge/pkg/logger"
	"iocbridge/pkg/metrics"
)

// Status is the overall health verdict.
type Status string

const (
	StatusOK       Status = "OK"
	StatusDegraded Status = "DEGRADED"
	StatusFail     Status = "FAIL"
)

// freshnessMultiple is how many rebuild intervals a stale last-rebuild is
// tolerated before health degrades.
const freshnessMultiple = 3

// Page serves /health, /stats and /metrics. Apart from the Prometheus
// series it owns, it caches nothing: every health and stats check reads
// live from the cache, the reputation client and the tracker.
type Page struct {
	cache              cache.Cache
	rep                *reputation.Client
	tracker            *metrics.Tracker
	preprocessInterval time.Duration
	log                *logger.Logger
	registry           *prometheus.Registry
	requestsTotal      *prometheus.CounterVec
	rebuildDuration    prometheus.Histogram
}

func New(c cache.Cache, rep *reputation.Client, tracker *metrics.Tracker, preprocessInterval time.Duration, log *logger.Logger) *Page {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iocbridge_requests_total",
		Help: "Total protocol server requests by path and status.",
	}, []string{"path", "status"})

	rebuildDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "iocbridge_rebuild_duration_seconds",
		Help:    "Duration of preprocessor rebuild cycles.",
		Buckets: prometheus.DefBuckets,
	})

	registry.MustRegister(requestsTotal, rebuildDuration)

	return &Page{
		cache:              c,
		rep:                rep,
		tracker:            tracker,
		preprocessInterval: preprocessInterval,
		log:                log.WithComponent("statuspage"),
		registry:           registry,
		requestsTotal:      requestsTotal,
		rebuildDuration:    rebuildDuration,
	}
}

// ObserveRequest and ObserveRebuild let callers feed the Prometheus
// exposition without statuspage reaching into their internals.
func (p *Page) ObserveRequest(path string, status int) {
	p.requestsTotal.WithLabelValues(path, http.StatusText(status)).Inc()
}

func (p *Page) ObserveRebuild(d time.Duration) {
	p.rebuildDuration.Observe(d.Seconds())
}

func (p *Page) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", p.health)
	mux.HandleFunc("GET /stats", p.stats)
	mux.Handle("GET /metrics", promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

type healthResponse struct {
	Status         Status `json:"status"`
	CacheReachable bool   `json:"cache_reachable"`
	LastRebuild    string `json:"last_rebuild,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

func (p *Page) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: StatusOK, CacheReachable: true}

	raw, err := p.cache.Get(r.Context(), preprocessor.KeyLastRebuild)
	switch {
	case err == cache.ErrNotFound:
		resp.Status = StatusDegraded
		resp.Detail = "no rebuild has completed yet"
	case err != nil:
		resp.Status = StatusFail
		resp.CacheReachable = false
		resp.Detail = "cache unreachable: " + err.Error()
	default:
		var stats preprocessor.RebuildStats
		if jsonErr := json.Unmarshal(raw, &stats); jsonErr != nil {
			resp.Status = StatusDegraded
			resp.Detail = "last rebuild record is corrupt"
			break
		}
		resp.LastRebuild = stats.FinishedAt.UTC().Format(time.RFC3339)
		age := time.Since(stats.FinishedAt)
		if p.preprocessInterval > 0 && age > p.preprocessInterval*freshnessMultiple {
			resp.Status = StatusDegraded
			resp.Detail = "last rebuild is stale"
		}
	}

	code := http.StatusOK
	if resp.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type statsResponse struct {
	Counters            map[string]int64           `json:"counters"`
	BudgetUsed          int                        `json:"reputation_budget_used"`
	BudgetLimit         int                        `json:"reputation_budget_limit"`
	BudgetExhausted     bool                       `json:"budget_exhausted"`
	ReputationHitRatio  float64                    `json:"reputation_cache_hit_ratio"`
	GeoHitRatio         float64                    `json:"geo_cache_hit_ratio"`
	LastRebuild         *preprocessor.RebuildStats `json:"last_rebuild,omitempty"`
}

func (p *Page) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Counters:           p.tracker.Snapshot(),
		ReputationHitRatio: p.tracker.Ratio("reputation_cache_hit", "reputation_cache_miss"),
		GeoHitRatio:        p.tracker.Ratio("geo_cache_hit", "geo_cache_miss"),
	}

	if p.rep != nil {
		used, limit, err := p.rep.UsedToday(r.Context())
		if err == nil {
			resp.BudgetUsed = used
			resp.BudgetLimit = limit
			resp.BudgetExhausted = limit > 0 && used >= limit
		}
	}

	raw, err := p.cache.Get(r.Context(), preprocessor.KeyLastRebuild)
	if err == nil {
		var stats preprocessor.RebuildStats
		if json.Unmarshal(raw, &stats) == nil {
			resp.LastRebuild = &stats
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
