package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/citadel-fw/citadel/internal/datastore"
)

// BurstinessConfig tunes every component of BurstinessAnalyzer's score.
type BurstinessConfig struct {
	Enabled bool `yaml:"enabled"`

	WindowSizeMs         int64 `yaml:"window_size_ms"`
	MinIntervalMs        int64 `yaml:"min_interval_ms"`
	MaxRequestsPerWindow int   `yaml:"max_requests_per_window"`

	ExcessRequestScore float64 `yaml:"excess_request_score"`
	BurstPenaltyScore  float64 `yaml:"burst_penalty_score"`
	MaxFrequencyScore  float64 `yaml:"max_frequency_score"`

	VeryRegularThreshold     float64 `yaml:"very_regular_threshold"`
	SomewhatRegularThreshold float64 `yaml:"somewhat_regular_threshold"`
	VeryRegularScore         float64 `yaml:"very_regular_score"`
	SomewhatRegularScore     float64 `yaml:"somewhat_regular_score"`
	PatternMultiplier        float64 `yaml:"pattern_multiplier"`
	MaxPatternScore          float64 `yaml:"max_pattern_score"`
	MinSamplesForPattern     int     `yaml:"min_samples_for_pattern"`
	PatternHistorySize       int     `yaml:"pattern_history_size"`

	HistoryTTLMultiplier    float64 `yaml:"history_ttl_multiplier"`
	MinViolationsForPenalty int64   `yaml:"min_violations_for_penalty"`
	MaxViolationScore       float64 `yaml:"max_violation_score"`
	SevereExcessThreshold   float64 `yaml:"severe_excess_threshold"`
	MaxExcessScore          float64 `yaml:"max_excess_score"`
	ExcessMultiplier        float64 `yaml:"excess_multiplier"`

	TTLBufferMultiplier float64 `yaml:"ttl_buffer_multiplier"`
}

// DefaultBurstinessConfig returns the out-of-the-box tuning used when no
// override is configured.
func DefaultBurstinessConfig() BurstinessConfig {
	return BurstinessConfig{
		Enabled:                  true,
		WindowSizeMs:             60_000,
		MinIntervalMs:            5_000,
		MaxRequestsPerWindow:     5,
		ExcessRequestScore:       5,
		BurstPenaltyScore:        20,
		MaxFrequencyScore:        100,
		VeryRegularThreshold:     0.1,
		SomewhatRegularThreshold: 0.3,
		VeryRegularScore:         15,
		SomewhatRegularScore:     8,
		PatternMultiplier:        5,
		MaxPatternScore:          30,
		MinSamplesForPattern:     4,
		PatternHistorySize:       10,
		HistoryTTLMultiplier:     4,
		MinViolationsForPenalty:  0,
		MaxViolationScore:        20,
		SevereExcessThreshold:    10,
		MaxExcessScore:           25,
		ExcessMultiplier:         2,
		TTLBufferMultiplier:      2,
	}
}

type burstHistoryRecord struct {
	FirstViolation int64   `json:"first_violation"`
	LastViolation  int64   `json:"last_violation"`
	ViolationCount int64   `json:"violation_count"`
	MaxExcess      float64 `json:"max_excess"`
	TotalExcess    float64 `json:"total_excess"`
}

type burstPatternRecord struct {
	CVHistory      []float64 `json:"cv_history"`
	DetectionCount int64     `json:"detection_count"`
}

// BurstinessAnalyzer scores time-domain irregularity of a client's request
// stream against a sliding window log kept in DataStore.
type BurstinessAnalyzer struct {
	cfg   BurstinessConfig
	store datastore.DataStore
	now   func() int64 // ms since epoch; overridable for tests
}

// NewBurstinessAnalyzer constructs an analyzer backed by store.
func NewBurstinessAnalyzer(cfg BurstinessConfig, store datastore.DataStore) *BurstinessAnalyzer {
	return &BurstinessAnalyzer{
		cfg:   cfg,
		store: store,
		now:   func() int64 { return time.Now().UnixMilli() },
	}
}

func (a *BurstinessAnalyzer) Identifier() string          { return "burstiness" }
func (a *BurstinessAnalyzer) Enabled() bool               { return a.cfg.Enabled }
func (a *BurstinessAnalyzer) RequiresBody() bool          { return false }
func (a *BurstinessAnalyzer) UsesExternalResources() bool { return false }

func (a *BurstinessAnalyzer) Analyze(ctx context.Context, req Request) float64 {
	if !a.cfg.Enabled || !req.HasFingerprint {
		return 0
	}

	now := a.now()
	cutoff := now - a.cfg.WindowSizeMs
	reqKey := fmt.Sprintf("fw:%s:requests", req.Fingerprint)

	windowTTLSeconds := math.Ceil(float64(a.cfg.WindowSizeMs) / 1000 * a.cfg.TTLBufferMultiplier)
	windowTTL := time.Duration(windowTTLSeconds) * time.Second

	var countRes *datastore.IntResult
	var recentRes *datastore.StringsResult
	err := a.store.Pipeline(ctx, func(p datastore.Pipeliner) error {
		p.ZRemRangeByScore(reqKey, datastore.NegInf, float64(cutoff))
		p.ZAdd(reqKey, float64(now), strconv.FormatInt(now, 10))
		p.Expire(reqKey, windowTTL)
		countRes = p.ZCard(reqKey)
		recentRes = p.ZRange(reqKey, -5, -1)
		return nil
	})
	if err != nil {
		slog.Warn("burstiness pipeline failed", "analyzer", a.Identifier(), "error", err)
		return 0
	}
	count := countRes.Val()
	recentRaw := recentRes.Val()

	var score float64

	historyKey := fmt.Sprintf("fw:%s:history", req.Fingerprint)
	hist, histKnown := loadJSON[burstHistoryRecord](ctx, a.store, historyKey)

	if count > int64(a.cfg.MaxRequestsPerWindow) {
		excess := float64(count - int64(a.cfg.MaxRequestsPerWindow))
		score += math.Min(a.cfg.ExcessRequestScore*math.Pow(excess, 1.5), a.cfg.MaxFrequencyScore)

		if !histKnown {
			hist = burstHistoryRecord{FirstViolation: now}
		}
		hist.LastViolation = now
		hist.ViolationCount++
		if excess > hist.MaxExcess {
			hist.MaxExcess = excess
		}
		hist.TotalExcess += excess
		histKnown = true
		_ = saveJSON(ctx, a.store, historyKey, hist, time.Duration(windowTTLSeconds*a.cfg.HistoryTTLMultiplier)*time.Second)
	}

	recent := parseTimestamps(recentRaw)
	sort.Slice(recent, func(i, j int) bool { return recent[i] < recent[j] })

	if hasBurst(recent, a.cfg.MinIntervalMs) {
		score += a.cfg.BurstPenaltyScore
	}

	if len(recent) >= a.cfg.MinSamplesForPattern {
		cv := coefficientOfVariation(recent)

		patternKey := fmt.Sprintf("fw:%s:pattern", req.Fingerprint)
		patRec, ok := loadJSON[burstPatternRecord](ctx, a.store, patternKey)
		if !ok {
			patRec = burstPatternRecord{}
		}
		patRec.CVHistory = append(patRec.CVHistory, cv)
		if len(patRec.CVHistory) > a.cfg.PatternHistorySize {
			patRec.CVHistory = patRec.CVHistory[len(patRec.CVHistory)-a.cfg.PatternHistorySize:]
		}
		avgCV := mean(patRec.CVHistory)

		switch {
		case avgCV < a.cfg.VeryRegularThreshold:
			score += a.cfg.VeryRegularScore
			patRec.DetectionCount++
		case avgCV < a.cfg.SomewhatRegularThreshold:
			score += a.cfg.SomewhatRegularScore
			patRec.DetectionCount++
		default:
			if patRec.DetectionCount > 0 {
				patRec.DetectionCount--
			}
		}
		score += math.Min(a.cfg.MaxPatternScore, float64(patRec.DetectionCount)*a.cfg.PatternMultiplier)

		_ = saveJSON(ctx, a.store, patternKey, patRec, windowTTL)
	}

	if histKnown {
		if hist.ViolationCount > a.cfg.MinViolationsForPenalty {
			score += math.Min(a.cfg.MaxViolationScore, math.Pow(float64(hist.ViolationCount), 1.5))
		}
		if hist.MaxExcess > a.cfg.SevereExcessThreshold {
			score += math.Min(a.cfg.MaxExcessScore, hist.MaxExcess*a.cfg.ExcessMultiplier)
		}
	}

	return score
}

func parseTimestamps(members []string) []int64 {
	out := make([]int64, 0, len(members))
	for _, m := range members {
		ts, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	return out
}

func hasBurst(sortedTimestamps []int64, minIntervalMs int64) bool {
	for i := 1; i < len(sortedTimestamps); i++ {
		if sortedTimestamps[i]-sortedTimestamps[i-1] < minIntervalMs {
			return true
		}
	}
	return false
}

func coefficientOfVariation(sortedTimestamps []int64) float64 {
	if len(sortedTimestamps) < 2 {
		return 0
	}
	intervals := make([]float64, 0, len(sortedTimestamps)-1)
	for i := 1; i < len(sortedTimestamps); i++ {
		intervals = append(intervals, float64(sortedTimestamps[i]-sortedTimestamps[i-1]))
	}
	m := mean(intervals)
	if m == 0 {
		return 0
	}
	return stddev(intervals, m) / m
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}
