package analyzer

import (
	"compress/flate"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/citadel-fw/citadel/internal/datastore"
)

const (
	spamMaxArraySample  = 50
	spamLongStringLimit = 10000
	spamTrimHead        = 5000
	spamTrimTail        = 5000
)

// SpamminessConfig tunes SpamminessAnalyzer's component weights and
// thresholds.
type SpamminessConfig struct {
	Enabled bool `yaml:"enabled"`

	MinFieldLength int `yaml:"min_field_length"`

	KeyboardPatternWeight   float64 `yaml:"keyboard_pattern_weight"`
	SpamPatternWeight       float64 `yaml:"spam_pattern_weight"`
	RepetitiveContentWeight float64 `yaml:"repetitive_content_weight"`
	SuspiciousEntropyWeight float64 `yaml:"suspicious_entropy_weight"`
	GibberishTextWeight     float64 `yaml:"gibberish_text_weight"`

	MaxRepetitionRatio      float64 `yaml:"max_repetition_ratio"`
	CompressionRatioThresh  float64 `yaml:"compression_ratio_threshold"`
	MinEntropyThreshold     float64 `yaml:"min_entropy_threshold"`
	MaxEntropyThreshold     float64 `yaml:"max_entropy_threshold"`
	MaxCorrelationThreshold float64 `yaml:"max_correlation_threshold"`

	MaxScore      float64       `yaml:"max_score"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheCapacity int           `yaml:"cache_capacity"`
}

// DefaultSpamminessConfig returns reasonable out-of-the-box tuning.
func DefaultSpamminessConfig() SpamminessConfig {
	return SpamminessConfig{
		Enabled:                 true,
		MinFieldLength:          4,
		KeyboardPatternWeight:   1.0,
		SpamPatternWeight:       1.0,
		RepetitiveContentWeight: 1.0,
		SuspiciousEntropyWeight: 1.0,
		GibberishTextWeight:     1.0,
		MaxRepetitionRatio:      0.4,
		CompressionRatioThresh:  0.3,
		MinEntropyThreshold:     2.0,
		MaxEntropyThreshold:     4.5,
		MaxCorrelationThreshold: 0.9,
		MaxScore:                100,
		CacheTTL:                10 * time.Minute,
		CacheCapacity:           4096,
	}
}

var (
	keyboardRunRe  = regexp.MustCompile(`(?i)qwert|asdf|zxcv|12345`)
	currencyRe     = regexp.MustCompile(`[$€£¥]\s?\d`)
	excessivePunct = regexp.MustCompile(`[!?]{3,}`)
	capsWordRe     = regexp.MustCompile(`\b[A-Z]{4,}\b`)
	repeatSubstrRe = regexp.MustCompile(`(.{2,})\1{2,}`)
)

// SpamminessAnalyzer scores text content for spam/gibberish signals,
// traversing structured body or form data and caching per-leaf-string
// results in a bounded in-process LRU.
type SpamminessAnalyzer struct {
	cfg   SpamminessConfig
	store datastore.DataStore
	cache *lru.Cache[string, float64]
}

// NewSpamminessAnalyzer constructs an analyzer with its own bounded cache.
func NewSpamminessAnalyzer(cfg SpamminessConfig, store datastore.DataStore) *SpamminessAnalyzer {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 1
	}
	cache, _ := lru.New[string, float64](capacity)
	return &SpamminessAnalyzer{cfg: cfg, store: store, cache: cache}
}

func (a *SpamminessAnalyzer) Identifier() string          { return "spamminess" }
func (a *SpamminessAnalyzer) Enabled() bool               { return a.cfg.Enabled }
func (a *SpamminessAnalyzer) RequiresBody() bool          { return true }
func (a *SpamminessAnalyzer) UsesExternalResources() bool { return false }

func (a *SpamminessAnalyzer) Analyze(ctx context.Context, req Request) float64 {
	if !a.cfg.Enabled {
		return 0
	}

	leaves := a.collectLeaves(req)
	if len(leaves) == 0 {
		return 0
	}

	var total float64
	for _, s := range leaves {
		if len(s) < a.cfg.MinFieldLength {
			continue
		}
		total += a.scoreString(s)
	}
	total = math.Min(total, a.cfg.MaxScore)

	if req.HasFingerprint {
		key := fmt.Sprintf("spamminess:%s", req.Fingerprint)
		_ = a.store.Set(ctx, key, total, a.cfg.CacheTTL)
	}

	return total
}

// collectLeaves extracts leaf strings from either decoded JSON body or form
// values, sampling large arrays and trimming very long strings per spec.
func (a *SpamminessAnalyzer) collectLeaves(req Request) []string {
	var out []string
	if req.JSONBody != nil {
		a.walk(req.JSONBody, &out)
	}
	for _, values := range req.FormValues {
		for i, v := range values {
			if i >= spamMaxArraySample {
				break
			}
			out = append(out, truncateLong(v))
		}
	}
	return out
}

func (a *SpamminessAnalyzer) walk(node any, out *[]string) {
	switch v := node.(type) {
	case string:
		*out = append(*out, truncateLong(v))
	case map[string]any:
		for _, child := range v {
			a.walk(child, out)
		}
	case []any:
		for i, child := range v {
			if i >= spamMaxArraySample {
				break
			}
			a.walk(child, out)
		}
	}
}

func truncateLong(s string) string {
	if len(s) <= spamLongStringLimit {
		return s
	}
	head := s[:spamTrimHead]
	tail := s[len(s)-spamTrimTail:]
	return head + tail
}

func (a *SpamminessAnalyzer) scoreString(s string) float64 {
	hash := hashString(s)
	if cached, ok := a.cache.Get(hash); ok {
		return cached
	}

	lower := strings.ToLower(s)
	score := a.cfg.KeyboardPatternWeight*keyboardPatternScore(lower) +
		a.cfg.SpamPatternWeight*spamPatternScore(s) +
		a.cfg.RepetitiveContentWeight*a.repetitiveContentScore(s) +
		a.cfg.SuspiciousEntropyWeight*a.suspiciousEntropyScore(s) +
		a.cfg.GibberishTextWeight*gibberishTextScore(s, a.cfg.MaxCorrelationThreshold)

	a.cache.Add(hash, score)
	return score
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func keyboardPatternScore(lower string) float64 {
	if keyboardRunRe.MatchString(lower) {
		return 1.0
	}
	if hasConsecutiveRun(lower, 4) {
		return 0.8
	}
	return 0
}

func hasConsecutiveRun(s string, minLen int) bool {
	run := 1
	var prevAlpha, prevDigit rune
	for i, r := range s {
		if i == 0 {
			prevAlpha, prevDigit = r, r
			continue
		}
		if unicode.IsLetter(r) && r == prevAlpha+1 {
			run++
		} else if unicode.IsDigit(r) && r == prevDigit+1 {
			run++
		} else {
			run = 1
		}
		prevAlpha, prevDigit = r, r
		if run >= minLen {
			return true
		}
	}
	return false
}

func spamPatternScore(s string) float64 {
	var score float64
	if currencyRe.MatchString(s) {
		score += 0.25
	}
	if excessivePunct.MatchString(s) {
		score += 0.3
	}
	if len(capsWordRe.FindAllString(s, -1)) > 0 {
		score += 0.25
	}
	if repeatSubstrRe.MatchString(s) {
		score += 0.4
	}
	return math.Min(score, 1.0)
}

func (a *SpamminessAnalyzer) repetitiveContentScore(s string) float64 {
	if len(s) == 0 {
		return 0
	}

	consecutive := consecutiveRepeatRatio(s)
	var consecutiveScore float64
	if consecutive > a.cfg.MaxRepetitionRatio {
		consecutiveScore = consecutive
	}

	words := strings.Fields(s)
	uniqueness := 0.0
	if len(words) > 0 {
		seen := make(map[string]struct{}, len(words))
		for _, w := range words {
			seen[strings.ToLower(w)] = struct{}{}
		}
		uniqueRatio := float64(len(seen)) / float64(len(words))
		uniqueness = math.Max(0, 1-uniqueRatio)
	}

	compression := compressionRatio(s)
	var compressionScore float64
	if compression >= a.cfg.CompressionRatioThresh {
		compressionScore = compression
	}

	return math.Min(1.0, math.Max(consecutiveScore, math.Max(uniqueness, compressionScore)))
}

func consecutiveRepeatRatio(s string) float64 {
	if len(s) < 2 {
		return 0
	}
	repeats := 0
	runes := []rune(s)
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			repeats++
		}
	}
	return float64(repeats) / float64(len(runes)-1)
}

func compressionRatio(s string) float64 {
	var buf strings.Builder
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return 0
	}
	_, _ = w.Write([]byte(s))
	_ = w.Close()
	if len(s) == 0 {
		return 0
	}
	return 1 - float64(buf.Len())/float64(len(s))
}

func (a *SpamminessAnalyzer) suspiciousEntropyScore(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	entropy := shannonEntropy(s)
	switch {
	case entropy < a.cfg.MinEntropyThreshold:
		return math.Min(1.0, (a.cfg.MinEntropyThreshold-entropy)/a.cfg.MinEntropyThreshold)
	case entropy > a.cfg.MaxEntropyThreshold:
		return math.Min(1.0, (entropy-a.cfg.MaxEntropyThreshold)/a.cfg.MaxEntropyThreshold)
	default:
		return 0
	}
}

func shannonEntropy(s string) float64 {
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	if total == 0 {
		return 0
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

func gibberishTextScore(s string, maxCorrelation float64) float64 {
	var components []float64

	if v, ok := vowelRatioScore(s); ok {
		components = append(components, v)
	}
	if v, ok := consonantRunScore(s); ok {
		components = append(components, v)
	}
	if v, ok := charDistributionCVScore(s); ok {
		components = append(components, v)
	}
	if v, ok := bigramEntropyScore(s); ok {
		components = append(components, v)
	}
	if v, ok := zipfDeviationScore(s, maxCorrelation); ok {
		components = append(components, v)
	}

	if len(components) == 0 {
		return 0
	}
	return mean(components)
}

func vowelRatioScore(s string) (float64, bool) {
	letters := 0
	vowels := 0
	for _, r := range strings.ToLower(s) {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if strings.ContainsRune("aeiou", r) {
			vowels++
		}
	}
	if letters == 0 {
		return 0, false
	}
	ratio := float64(vowels) / float64(letters)
	// natural English text sits near 0.38-0.40; deviation signals gibberish.
	deviation := math.Abs(ratio - 0.39)
	return math.Min(1.0, deviation/0.39), true
}

func consonantRunScore(s string) (float64, bool) {
	run := 0
	maxRun := 0
	letters := 0
	for _, r := range strings.ToLower(s) {
		if !unicode.IsLetter(r) {
			run = 0
			continue
		}
		letters++
		if strings.ContainsRune("aeiou", r) {
			run = 0
			continue
		}
		run++
		if run > maxRun {
			maxRun = run
		}
	}
	if letters == 0 {
		return 0, false
	}
	if maxRun < 4 {
		return 0, true
	}
	return math.Min(1.0, float64(maxRun-3)/5), true
}

func charDistributionCVScore(s string) (float64, bool) {
	counts := make(map[rune]int)
	total := 0
	for _, r := range strings.ToLower(s) {
		if !unicode.IsLetter(r) {
			continue
		}
		counts[r]++
		total++
	}
	if total == 0 || len(counts) < 2 {
		return 0, false
	}
	freqs := make([]float64, 0, len(counts))
	for _, c := range counts {
		freqs = append(freqs, float64(c))
	}
	m := mean(freqs)
	if m == 0 {
		return 0, false
	}
	cv := stddev(freqs, m) / m
	return math.Min(1.0, cv/2), true
}

func bigramEntropyScore(s string) (float64, bool) {
	runes := []rune(strings.ToLower(s))
	if len(runes) < 2 {
		return 0, false
	}
	counts := make(map[string]int)
	for i := 1; i < len(runes); i++ {
		counts[string(runes[i-1:i+1])]++
	}
	total := len(runes) - 1
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	maxEntropy := math.Log2(float64(total))
	if maxEntropy == 0 {
		return 0, false
	}
	balance := entropy / maxEntropy
	return math.Min(1.0, balance), true
}

func zipfDeviationScore(s string, maxCorrelation float64) (float64, bool) {
	counts := make(map[rune]int)
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) {
			counts[r]++
		}
	}
	if len(counts) < 3 {
		return 0, false
	}
	freqs := make([]float64, 0, len(counts))
	for _, c := range counts {
		freqs = append(freqs, float64(c))
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(freqs)))

	expected := make([]float64, len(freqs))
	f1 := freqs[0]
	for i := range expected {
		expected[i] = f1 / float64(i+1)
	}

	correlation := pearsonCorrelation(freqs, expected)
	if correlation > maxCorrelation {
		return 0, true
	}
	return 1 - correlation/maxCorrelation, true
}

func pearsonCorrelation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	ma, mb := mean(a), mean(b)
	var num, da, db float64
	for i := range a {
		x := a[i] - ma
		y := b[i] - mb
		num += x * y
		da += x * x
		db += y * y
	}
	if da == 0 || db == 0 {
		return 0
	}
	return num / math.Sqrt(da*db)
}
