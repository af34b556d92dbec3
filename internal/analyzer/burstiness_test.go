package analyzer

import (
	"context"
	"testing"

	"github.com/citadel-fw/citadel/internal/datastore"
)

func newTestBurstinessAnalyzer(store datastore.DataStore, clock *int64) *BurstinessAnalyzer {
	a := NewBurstinessAnalyzer(DefaultBurstinessConfig(), store)
	a.now = func() int64 { return *clock }
	return a
}

func TestBurstinessAnalyzer_UnderLimitScoresZero(t *testing.T) {
	store := datastore.NewMemoryStore()
	clock := int64(1_000_000)
	a := newTestBurstinessAnalyzer(store, &clock)
	req := Request{Fingerprint: "fp1", HasFingerprint: true}

	var score float64
	for i := 0; i < 3; i++ {
		score = a.Analyze(context.Background(), req)
		clock += 20_000
	}
	if score != 0 {
		t.Fatalf("expected 0 under max_requests_per_window, got %v", score)
	}
}

func TestBurstinessAnalyzer_ExcessRequestsScorePositive(t *testing.T) {
	store := datastore.NewMemoryStore()
	clock := int64(1_000_000)
	a := newTestBurstinessAnalyzer(store, &clock)
	req := Request{Fingerprint: "fp2", HasFingerprint: true}

	var score float64
	for i := 0; i < 8; i++ {
		score = a.Analyze(context.Background(), req)
		clock += 1000
	}
	if score <= 0 {
		t.Fatalf("expected positive score once max_requests_per_window exceeded, got %v", score)
	}
}

func TestBurstinessAnalyzer_BurstPenaltyAppliedForTightSpacing(t *testing.T) {
	store := datastore.NewMemoryStore()
	clock := int64(1_000_000)
	a := newTestBurstinessAnalyzer(store, &clock)
	req := Request{Fingerprint: "fp3", HasFingerprint: true}

	var withoutBurst float64
	for i := 0; i < 2; i++ {
		withoutBurst = a.Analyze(context.Background(), req)
		clock += a.cfg.MinIntervalMs + 1000
	}

	store2 := datastore.NewMemoryStore()
	clock2 := int64(1_000_000)
	b := newTestBurstinessAnalyzer(store2, &clock2)
	req2 := Request{Fingerprint: "fp4", HasFingerprint: true}
	var withBurst float64
	for i := 0; i < 2; i++ {
		withBurst = b.Analyze(context.Background(), req2)
		clock2 += a.cfg.MinIntervalMs - 1000
	}

	if withBurst <= withoutBurst {
		t.Fatalf("expected burst-penalized score (%v) to exceed spaced-out score (%v)", withBurst, withoutBurst)
	}
}

func TestBurstinessAnalyzer_NoFingerprintScoresZero(t *testing.T) {
	store := datastore.NewMemoryStore()
	clock := int64(1_000_000)
	a := newTestBurstinessAnalyzer(store, &clock)
	req := Request{HasFingerprint: false}

	if score := a.Analyze(context.Background(), req); score != 0 {
		t.Fatalf("expected 0 without a fingerprint, got %v", score)
	}
}

func TestBurstinessAnalyzer_DisabledScoresZero(t *testing.T) {
	store := datastore.NewMemoryStore()
	cfg := DefaultBurstinessConfig()
	cfg.Enabled = false
	a := NewBurstinessAnalyzer(cfg, store)
	req := Request{Fingerprint: "fp5", HasFingerprint: true}

	if score := a.Analyze(context.Background(), req); score != 0 {
		t.Fatalf("expected 0 when disabled, got %v", score)
	}
}

func TestBurstinessAnalyzer_RegularIntervalsAccumulatePatternScore(t *testing.T) {
	store := datastore.NewMemoryStore()
	clock := int64(1_000_000)
	a := newTestBurstinessAnalyzer(store, &clock)
	req := Request{Fingerprint: "fp6", HasFingerprint: true}

	var lastScore float64
	for i := 0; i < a.cfg.MinSamplesForPattern+3; i++ {
		lastScore = a.Analyze(context.Background(), req)
		clock += 15_000 // exactly regular spacing, well above min_interval
	}
	if lastScore <= 0 {
		t.Fatalf("expected positive score from sustained regular spacing, got %v", lastScore)
	}
}

func TestCoefficientOfVariation_ConstantIntervalsIsZero(t *testing.T) {
	timestamps := []int64{0, 10_000, 20_000, 30_000, 40_000}
	if cv := coefficientOfVariation(timestamps); cv != 0 {
		t.Fatalf("expected 0 CV for perfectly regular intervals, got %v", cv)
	}
}

func TestHasBurst(t *testing.T) {
	if hasBurst([]int64{0, 1000, 10_000}, 5000) != true {
		t.Fatal("expected burst detected for interval below min_interval")
	}
	if hasBurst([]int64{0, 10_000, 20_000}, 5000) != false {
		t.Fatal("expected no burst for intervals at/above min_interval")
	}
}
