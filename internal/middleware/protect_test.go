package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/citadel-fw/citadel/internal/analyzer"
	"github.com/citadel-fw/citadel/internal/datastore"
	"github.com/citadel-fw/citadel/internal/fingerprint"
	"github.com/citadel-fw/citadel/internal/storage"
	"github.com/citadel-fw/citadel/internal/telemetry"
)

type fakeAuditStore struct {
	records []storage.AuditRecord
}

func (f *fakeAuditStore) SaveRequest(record storage.AuditRecord) error {
	f.records = append(f.records, record)
	return nil
}

type scoringAnalyzer struct {
	id       string
	score    float64
	reqBody  bool
	external bool
	enabled  bool
}

func (a scoringAnalyzer) Identifier() string          { return a.id }
func (a scoringAnalyzer) Enabled() bool               { return a.enabled }
func (a scoringAnalyzer) RequiresBody() bool          { return a.reqBody }
func (a scoringAnalyzer) UsesExternalResources() bool { return a.external }
func (a scoringAnalyzer) Analyze(ctx context.Context, req analyzer.Request) float64 {
	return a.score
}

type panicAnalyzer struct{}

func (panicAnalyzer) Identifier() string          { return "panicker" }
func (panicAnalyzer) Enabled() bool               { return true }
func (panicAnalyzer) RequiresBody() bool          { return false }
func (panicAnalyzer) UsesExternalResources() bool { return false }
func (panicAnalyzer) Analyze(ctx context.Context, req analyzer.Request) float64 {
	panic("boom")
}

func newTestRoute(cfg ProtectConfig, analyzers []analyzer.Analyzer) (*ProtectRoute, datastore.DataStore) {
	store := datastore.NewMemoryStore()
	fpCfg := fingerprint.Config{CollectIP: true, CollectUA: true}
	return NewProtectRoute(cfg, fpCfg, store, analyzers), store
}

func doRequest(route *ProtectRoute) *httptest.ResponseRecorder {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("User-Agent", "test-agent")

	rr := httptest.NewRecorder()
	route.Wrap(next).ServeHTTP(rr, req)
	_ = called
	return rr
}

func TestProtectRoute_LowScorePassesThrough(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: 5, enabled: true},
	})
	rr := doRequest(route)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Threat-Detected") != "" {
		t.Fatalf("expected no threat header for low score")
	}
}

func TestProtectRoute_WarningScoreSetsHeader(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: cfg.WarningThreshold + 1, enabled: true},
	})
	rr := doRequest(route)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 (pass through with header), got %d", rr.Code)
	}
	if rr.Header().Get("X-Threat-Detected") != "true" {
		t.Fatalf("expected X-Threat-Detected header to be set")
	}
}

func TestProtectRoute_BlockScoreDenies(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: cfg.BlockThreshold + 1, enabled: true},
	})
	rr := doRequest(route)
	if rr.Code != cfg.BannedStatusCode {
		t.Fatalf("expected %d, got %d", cfg.BannedStatusCode, rr.Code)
	}
}

func TestProtectRoute_AutoBanPersistsAcrossRequests(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: cfg.BlockThreshold + 1, enabled: true},
	})

	first := doRequest(route)
	if first.Code != cfg.BannedStatusCode {
		t.Fatalf("expected first request denied, got %d", first.Code)
	}

	second := doRequest(route)
	if second.Code != cfg.BannedStatusCode {
		t.Fatalf("expected second request denied by ban record, got %d", second.Code)
	}
}

func TestProtectRoute_DisabledAnalyzerIsSkipped(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: cfg.BlockThreshold + 100, enabled: false},
	})
	rr := doRequest(route)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 since the only analyzer is disabled, got %d", rr.Code)
	}
}

func TestProtectRoute_PanickingAnalyzerContributesZero(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{panicAnalyzer{}})
	rr := doRequest(route)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 despite analyzer panic, got %d", rr.Code)
	}
}

func TestProtectRoute_MiddlewareDisabledPassesThroughUnconditionally(t *testing.T) {
	cfg := DefaultProtectConfig()
	cfg.Enabled = false
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: 1000, enabled: true},
	})
	rr := doRequest(route)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 when middleware disabled, got %d", rr.Code)
	}
}

func TestProtectRoute_ExternalAnalyzerSkippedWhenGloballyDisabled(t *testing.T) {
	cfg := DefaultProtectConfig()
	cfg.ExternalAnalyzersEnabled = false
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "ext", score: cfg.BlockThreshold + 100, external: true, enabled: true},
	})
	rr := doRequest(route)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 since the only analyzer is external and disabled globally, got %d", rr.Code)
	}
}

func TestProtectRoute_ScoreIsCachedBetweenRequests(t *testing.T) {
	cfg := DefaultProtectConfig()
	calls := 0
	analyzers := []analyzer.Analyzer{
		countingAnalyzer{counter: &calls, score: 1},
	}
	route, _ := newTestRoute(cfg, analyzers)

	doRequest(route)
	doRequest(route)

	if calls != 1 {
		t.Fatalf("expected analyzer invoked once due to score caching, got %d calls", calls)
	}
}

func TestProtectRoute_LadderBanActionBansAndDenies(t *testing.T) {
	cfg := DefaultProtectConfig()
	cfg.Ladder = []ThresholdStep{
		{Score: 0, Action: "observe"},
		{Score: 30, Action: "warn"},
		{Score: 60, Action: "block"},
		{Score: 90, Action: "ban"},
	}
	route, store := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: 95, enabled: true},
	})
	rr := doRequest(route)
	if rr.Code != cfg.BannedStatusCode {
		t.Fatalf("expected ban-step to deny with %d, got %d", cfg.BannedStatusCode, rr.Code)
	}
	if _, ok, _ := store.Get(context.Background(), banFingerprintKey(fingerprintFor(t))); !ok {
		t.Fatalf("expected ladder ban action to write a ban record")
	}
}

func TestProtectRoute_WithTelemetryStillDecides(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: cfg.BlockThreshold + 1, enabled: true},
	})
	route.WithTelemetry(telemetry.NoopProvider())

	rr := doRequest(route)
	if rr.Code != cfg.BannedStatusCode {
		t.Fatalf("expected %d with telemetry attached, got %d", cfg.BannedStatusCode, rr.Code)
	}
}

func TestProtectRoute_AuditLogRecordsWarnBlockAndBan(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: cfg.BlockThreshold + 1, enabled: true},
	})
	audit := &fakeAuditStore{}
	route.WithAuditLog(audit)

	rr := doRequest(route)
	if rr.Code != cfg.BannedStatusCode {
		t.Fatalf("expected %d, got %d", cfg.BannedStatusCode, rr.Code)
	}
	if len(audit.records) != 1 {
		t.Fatalf("expected one audit record for a blocked request, got %d", len(audit.records))
	}
	rec := audit.records[0]
	if rec.Decision != "block" {
		t.Fatalf("expected decision %q, got %q", "block", rec.Decision)
	}
	if rec.AnalyzerScores["a"] != cfg.BlockThreshold+1 {
		t.Fatalf("expected per-analyzer breakdown to include analyzer %q, got %v", "a", rec.AnalyzerScores)
	}
}

func TestProtectRoute_AuditLogSkipsObserve(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: 1, enabled: true},
	})
	audit := &fakeAuditStore{}
	route.WithAuditLog(audit)

	doRequest(route)
	if len(audit.records) != 0 {
		t.Fatalf("expected no audit record for a low-score observed request, got %d", len(audit.records))
	}
}

func TestProtectRoute_NoAuditLogAttachedIsNoop(t *testing.T) {
	cfg := DefaultProtectConfig()
	route, _ := newTestRoute(cfg, []analyzer.Analyzer{
		scoringAnalyzer{id: "a", score: cfg.BlockThreshold + 1, enabled: true},
	})
	rr := doRequest(route)
	if rr.Code != cfg.BannedStatusCode {
		t.Fatalf("expected %d, got %d", cfg.BannedStatusCode, rr.Code)
	}
}

func fingerprintFor(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	req.Header.Set("User-Agent", "test-agent")
	fp, ok := fingerprint.Extract(fingerprint.FromRequest(req), fingerprint.Config{CollectIP: true, CollectUA: true})
	if !ok {
		t.Fatal("expected fingerprint to be derivable")
	}
	return fp
}

type countingAnalyzer struct {
	counter *int
	score   float64
}

func (c countingAnalyzer) Identifier() string          { return "counter" }
func (c countingAnalyzer) Enabled() bool               { return true }
func (c countingAnalyzer) RequiresBody() bool          { return false }
func (c countingAnalyzer) UsesExternalResources() bool { return false }
func (c countingAnalyzer) Analyze(ctx context.Context, req analyzer.Request) float64 {
	*c.counter++
	return c.score
}
