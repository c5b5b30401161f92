package preprocessor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"iocbridge/internal/cache"
	"iocbridge/internal/correlator"
	"iocbridge/internal/models"
	"iocbridge/internal/reputation"
	"iocbridge/pkg/logger"
)

type fakeLocal struct {
	records []models.LocalRecord
	err     error
}

func (f fakeLocal) FetchAll(ctx context.Context) ([]models.LocalRecord, error) {
	return f.records, f.err
}

type fakeReputation struct {
	records []models.ReputationRecord
	err     error
}

func (f fakeReputation) GetBlacklist(ctx context.Context, minConfidence int) ([]models.ReputationRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]models.ReputationRecord, 0, len(f.records))
	for _, r := range f.records {
		if r.Confidence >= minConfidence {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeGeo struct {
	records map[string]models.GeoRecord
}

func (f fakeGeo) Enrich(ctx context.Context, ip string) (models.GeoRecord, error) {
	if rec, ok := f.records[ip]; ok {
		return rec, nil
	}
	return models.GeoRecord{}, errNotFoundStub{}
}

type errNotFoundStub struct{}

func (errNotFoundStub) Error() string { return "not found" }

func testParams(t *testing.T) correlator.Params {
	t.Helper()
	w, err := correlator.NewWeights(0.8, 0.2)
	if err != nil {
		t.Fatalf("NewWeights: %v", err)
	}
	return correlator.Params{
		Weights:                w,
		LocalConfidenceBoost:   10,
		MinimumFinalConfidence: 85,
		LocalBoostThreshold:    75,
	}
}

func newTestPreprocessor(t *testing.T, local LocalSource, rep ReputationSource, geo GeoSource) (*Preprocessor, cache.Cache) {
	t.Helper()
	c := cache.NewMemory()
	cfg := Config{
		BatchSize:          10,
		PreprocessInterval: time.Minute,
		CorrelatorParams:   testParams(t),
	}
	return New(local, rep, geo, c, cfg, logger.New()), c
}

// Local-only source data.
func TestPreprocessor_LocalOnly_BoostClampsTo100(t *testing.T) {
	local := fakeLocal{records: []models.LocalRecord{
		{IP: "203.0.113.10", Confidence: 90, LastReportedAt: time.Now()},
	}}
	rep := fakeReputation{}
	geo := fakeGeo{}

	p, c := newTestPreprocessor(t, local, rep, geo)
	stats, err := p.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if stats.TotalIndicators != 1 {
		t.Fatalf("expected 1 indicator, got %d", stats.TotalIndicators)
	}

	raw, err := c.Get(context.Background(), KeyPreprocessedIOCs)
	if err != nil {
		t.Fatalf("Get snapshot: %v", err)
	}
	var indicators []models.Indicator
	if err := json.Unmarshal(raw, &indicators); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(indicators) != 1 {
		t.Fatalf("expected 1 indicator in snapshot, got %d", len(indicators))
	}
	ind := indicators[0]
	if ind.FinalConfidence != 100 {
		t.Errorf("expected final_confidence 100, got %d", ind.FinalConfidence)
	}
	if ind.ExternalConfidence != nil {
		t.Errorf("expected no external confidence, got %v", ind.ExternalConfidence)
	}
	if len(ind.SourceSet) != 1 || ind.SourceSet[0] != models.SourceLocal {
		t.Errorf("expected source_set=[LOCAL], got %v", ind.SourceSet)
	}
}

// Dual source with the local-boost floor.
func TestPreprocessor_DualSource_FloorApplies(t *testing.T) {
	now := time.Now()
	local := fakeLocal{records: []models.LocalRecord{
		{IP: "192.0.2.5", Confidence: 85, LastReportedAt: now},
	}}
	rep := fakeReputation{records: []models.ReputationRecord{
		{IP: "192.0.2.5", Confidence: 75, LastSeen: now},
	}}
	geo := fakeGeo{}

	p, c := newTestPreprocessor(t, local, rep, geo)
	stats, err := p.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if stats.TotalIndicators != 1 {
		t.Fatalf("expected 1 indicator, got %d", stats.TotalIndicators)
	}

	raw, err := c.Get(context.Background(), KeyPreprocessedIOCs)
	if err != nil {
		t.Fatalf("Get snapshot: %v", err)
	}
	var indicators []models.Indicator
	if err := json.Unmarshal(raw, &indicators); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(indicators) != 1 || indicators[0].FinalConfidence != 85 {
		t.Fatalf("expected fused 83 raised to floor 85, got %+v", indicators)
	}
}

// Scenario: empty local + empty external → cycle succeeds, empty snapshot.
func TestPreprocessor_EmptySources_SucceedsWithEmptySnapshot(t *testing.T) {
	p, c := newTestPreprocessor(t, fakeLocal{}, fakeReputation{}, fakeGeo{})
	stats, err := p.Trigger(context.Background())
	if err != nil {
		t.Fatalf("expected empty-but-valid cycle to succeed, got %v", err)
	}
	if stats.TotalIndicators != 0 {
		t.Errorf("expected 0 indicators, got %d", stats.TotalIndicators)
	}

	raw, err := c.Get(context.Background(), KeyPreprocessedIOCs)
	if err != nil {
		t.Fatalf("expected snapshot to be committed even when empty: %v", err)
	}
	var indicators []models.Indicator
	if err := json.Unmarshal(raw, &indicators); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(indicators) != 0 {
		t.Errorf("expected empty indicator list, got %d", len(indicators))
	}
}

// A hard local-reader failure with nothing else to assemble aborts the
// cycle and must not touch the cache.
func TestPreprocessor_LocalReaderHardFailure_AbortsWithoutCommit(t *testing.T) {
	local := fakeLocal{err: errNotFoundStub{}}
	p, c := newTestPreprocessor(t, local, fakeReputation{}, fakeGeo{})

	if _, err := p.Trigger(context.Background()); err != ErrCycleProducedNothing {
		t.Fatalf("expected ErrCycleProducedNothing, got %v", err)
	}
	if _, err := c.Get(context.Background(), KeyPreprocessedIOCs); err == nil {
		t.Error("expected no snapshot to have been committed")
	}
}

// Reputation budget exhaustion is non-fatal: the cycle still commits using
// whatever local data exists, and reports budget_exhausted in stats.
func TestPreprocessor_BudgetExhausted_ProceedsAndReportsStat(t *testing.T) {
	local := fakeLocal{records: []models.LocalRecord{
		{IP: "10.0.0.1", Confidence: 60, LastReportedAt: time.Now()},
	}}
	rep := fakeReputation{err: reputation.ErrBudgetExhausted}
	p, _ := newTestPreprocessor(t, local, rep, fakeGeo{})

	stats, err := p.Trigger(context.Background())
	if err != nil {
		t.Fatalf("expected cycle to succeed despite budget exhaustion: %v", err)
	}
	if !stats.BudgetExhausted {
		t.Error("expected stats.BudgetExhausted to be true")
	}
	if stats.TotalIndicators != 1 {
		t.Errorf("expected 1 indicator from local data, got %d", stats.TotalIndicators)
	}
}

// The high-confidence snapshot is exactly the >=80 subset.
func TestPreprocessor_HighConfidenceFilter_Exact(t *testing.T) {
	now := time.Now()
	confidences := []int{90, 85, 80, 79, 50}
	var locals []models.LocalRecord
	for i, conf := range confidences {
		locals = append(locals, models.LocalRecord{
			IP: ipFor(i), Confidence: conf, LastReportedAt: now,
		})
	}
	// Use boost threshold above all these values so final_confidence == input
	// confidence directly (isolating the filter, not the scoring).
	p, c := newTestPreprocessor(t, fakeLocal{records: locals}, fakeReputation{}, fakeGeo{})
	p.cfg.CorrelatorParams.LocalBoostThreshold = 1000

	stats, err := p.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if stats.HighConfidence != 3 {
		t.Fatalf("expected 3 high-confidence indicators, got %d", stats.HighConfidence)
	}

	raw, err := c.Get(context.Background(), KeyHighConfidenceIOCs)
	if err != nil {
		t.Fatalf("Get high-confidence snapshot: %v", err)
	}
	var hc []models.Indicator
	if err := json.Unmarshal(raw, &hc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(hc) != 3 {
		t.Fatalf("expected 3 entries in high_confidence_iocs, got %d", len(hc))
	}
	for _, ind := range hc {
		if ind.FinalConfidence < 80 {
			t.Errorf("high-confidence snapshot contains sub-80 indicator: %+v", ind)
		}
	}
}

func ipFor(i int) string {
	return "198.51.100." + string(rune('0'+i))
}

// All-geo-providers-fail boundary: indicator is still produced, without geo.
func TestPreprocessor_GeoFailure_IndicatorProducedWithoutGeo(t *testing.T) {
	local := fakeLocal{records: []models.LocalRecord{
		{IP: "172.16.0.5", Confidence: 60, LastReportedAt: time.Now()},
	}}
	p, c := newTestPreprocessor(t, local, fakeReputation{}, fakeGeo{records: map[string]models.GeoRecord{}})

	if _, err := p.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	raw, _ := c.Get(context.Background(), KeyPreprocessedIOCs)
	var indicators []models.Indicator
	json.Unmarshal(raw, &indicators)
	if len(indicators) != 1 || indicators[0].Geo != nil {
		t.Fatalf("expected 1 indicator with nil Geo, got %+v", indicators)
	}
}

// Concurrent triggers coalesce onto a single in-flight cycle.
func TestPreprocessor_ConcurrentTriggers_Coalesce(t *testing.T) {
	local := fakeLocal{records: []models.LocalRecord{
		{IP: "1.1.1.1", Confidence: 60, LastReportedAt: time.Now()},
	}}
	p, _ := newTestPreprocessor(t, local, fakeReputation{}, fakeGeo{})

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := p.Trigger(context.Background())
			results <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Errorf("coalesced trigger returned error: %v", err)
		}
	}
}
