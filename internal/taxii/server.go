package taxii

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"iocbridge/internal/cache"
	"iocbridge/internal/middleware"
	"iocbridge/internal/models"
	"iocbridge/internal/preprocessor"
	"iocbridge/pkg/logger"
)

const mediaType = "application/taxii+json;version=2.1"

// Config controls listen address and the declared max content length
// reported by the api-root endpoint.
type Config struct {
	Addr           string
	MaxContentLen  int64
	RequestTimeout time.Duration

	// RateLimitRPS caps sustained requests per second per client; 0 keeps
	// the default, a negative value disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

func (c Config) withDefaults() Config {
	if c.MaxContentLen <= 0 {
		c.MaxContentLen = 10 << 20
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 25
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = 50
	}
	return c
}

// Server is the protocol server: read-only against the
// preprocessor's committed snapshot keys.
type Server struct {
	http        *http.Server
	cache       cache.Cache
	collections []models.Collection
	cfg         Config
	log         *logger.Logger
}

func New(c cache.Cache, cfg Config, log *logger.Logger) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cache:       c,
		collections: DefaultCollections(),
		cfg:         cfg,
		log:         log.WithComponent("taxii"),
	}

	mux := http.NewServeMux()
	s.routes(mux)

	ms := middleware.NewMiddleware(log)
	chain := ms.Chain(mux,
		middleware.RecoveryMiddleware(log),
		middleware.RequestIDMiddleware(),
		middleware.SecurityHeadersMiddleware(),
		middleware.CORSHeaderMiddleware(),
		middleware.RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst),
		middleware.LoggerMiddleware(log),
	)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      chain,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}
	return s
}

// Handler exposes the fully-wrapped mux for tests that want to drive it
// through httptest without binding a real listener.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /taxii2", s.discovery)
	mux.HandleFunc("GET /taxii2/iocs/", s.apiRoot)
	mux.HandleFunc("GET /taxii2/iocs/collections/", s.collectionsList)
	mux.HandleFunc("GET /taxii2/iocs/collections/{id}/", s.collectionDetail)
	mux.HandleFunc("GET /taxii2/iocs/collections/{id}/objects/", s.objects)
	mux.HandleFunc("GET /taxii2/iocs/collections/{id}/manifest/", s.manifest)
}

// Run starts the HTTP listener and blocks until ctx is cancelled, then
// gracefully shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("taxii: protocol server starting on %s", s.http.Addr)
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"title":       "iocbridge threat intelligence feed",
		"description": "Enriched, confidence-scored IP indicators.",
		"default":     "/taxii2/iocs/",
		"api_roots":   []string{"/taxii2/iocs/"},
	})
}

func (s *Server) apiRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"title":              "iocs",
		"versions":           []string{mediaType},
		"max_content_length": s.cfg.MaxContentLen,
	})
}

func (s *Server) collectionsList(w http.ResponseWriter, r *http.Request) {
	descriptors := make([]CollectionDescriptor, len(s.collections))
	for i, c := range s.collections {
		descriptors[i] = toDescriptor(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": descriptors})
}

func (s *Server) collectionDetail(w http.ResponseWriter, r *http.Request) {
	c, ok := findCollection(s.collections, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}
	writeJSON(w, http.StatusOK, toDescriptor(c))
}

func (s *Server) objects(w http.ResponseWriter, r *http.Request) {
	c, ok := findCollection(s.collections, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}

	page, err := s.loadPage(r, c)
	if err != nil {
		s.writeLoadErr(w, err)
		return
	}

	objects := make([]any, 0, len(page.indicators))
	for _, ind := range page.indicators {
		objects = append(objects, ToIndicatorObject(ind, isIPv6(ind.IP)))
	}

	bundle := models.Bundle{
		Type:        "bundle",
		ID:          "bundle--" + indicatorID(c.ID),
		SpecVersion: "2.1",
		Objects:     objects,
	}
	writeJSON(w, http.StatusOK, models.Envelope{More: page.more, Next: page.next, Data: bundle})
}

func (s *Server) manifest(w http.ResponseWriter, r *http.Request) {
	c, ok := findCollection(s.collections, r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "collection not found")
		return
	}

	page, err := s.loadPage(r, c)
	if err != nil {
		s.writeLoadErr(w, err)
		return
	}

	entries := make([]models.ManifestEntry, 0, len(page.indicators))
	for _, ind := range page.indicators {
		entries = append(entries, models.ManifestEntry{
			ID:        indicatorID(ind.IP),
			DateAdded: ind.ProcessedAt.UTC().Format(rfc3339),
			Version:   ind.ProcessedAt.UTC().Format(rfc3339),
			MediaType: mediaType,
		})
	}
	writeJSON(w, http.StatusOK, models.Envelope{
		More: page.more, Next: page.next,
		Data: map[string]any{"objects": entries},
	})
}

func (s *Server) writeLoadErr(w http.ResponseWriter, err error) {
	w.Header().Set("Retry-After", "5")
	writeError(w, http.StatusServiceUnavailable, "snapshot not yet available")
	s.log.Warn("taxii: %v", err)
}

type page struct {
	indicators []models.Indicator
	more       bool
	next       string
}

// loadPage loads the snapshot, applies the collection predicate, then the
// limit/added_after/next query parameters.
func (s *Server) loadPage(r *http.Request, c models.Collection) (page, error) {
	raw, err := s.cache.Get(r.Context(), preprocessor.KeyPreprocessedIOCs)
	if err != nil {
		return page{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	var all []models.Indicator
	if err := json.Unmarshal(raw, &all); err != nil {
		return page{}, fmt.Errorf("%w: corrupt snapshot: %v", ErrServiceUnavailable, err)
	}

	gen := snapshotGeneration(raw)

	filtered := make([]models.Indicator, 0, len(all))
	for _, ind := range all {
		if c.Predicate(ind) {
			filtered = append(filtered, ind)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].IP < filtered[j].IP })

	q := r.URL.Query()
	if afterStr := q.Get("added_after"); afterStr != "" {
		after, err := time.Parse(time.RFC3339, afterStr)
		if err == nil {
			next := filtered[:0]
			for _, ind := range filtered {
				if ind.ProcessedAt.After(after) {
					next = append(next, ind)
				}
			}
			filtered = next
		}
	}

	offset := 0
	if cur, ok := decodeCursor(q.Get("next")); ok {
		if cur.Gen == gen {
			offset = cur.Offset
		}
		// Generation mismatch: restart from the beginning rather than
		// interleaving across snapshot generations.
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}

	limit := 0
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l >= 0 {
			limit = l
		}
	}

	remainder := filtered[offset:]
	if limit <= 0 || limit >= len(remainder) {
		return page{indicators: remainder, more: false}, nil
	}

	slice := remainder[:limit]
	return page{
		indicators: slice,
		more:       true,
		next:       encodeCursor(cursor{Offset: offset + limit, Gen: gen}),
	}, nil
}

func isIPv6(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.To4() == nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  status,
	})
}
