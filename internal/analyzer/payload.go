package analyzer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/citadel-fw/citadel/internal/datastore"
	"github.com/citadel-fw/citadel/internal/matcher"
)

// PayloadConfig tunes PayloadAnalyzer.
type PayloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	MaxScore float64       `yaml:"max_score"`
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// PatternImpact maps a pattern string to its per-match score
	// contribution. A pattern absent from this map contributes 1 per
	// match, so an unconfigured map degrades to a plain match count.
	PatternImpact map[string]float64 `yaml:"pattern_impact"`
}

// DefaultPayloadConfig returns reasonable out-of-the-box tuning.
func DefaultPayloadConfig() PayloadConfig {
	return PayloadConfig{
		Enabled:  true,
		MaxScore: 50,
		CacheTTL: 10 * time.Minute,
	}
}

// PayloadAnalyzer scores a request body against the compiled pattern
// matcher, weighting matches by configured per-pattern impact.
type PayloadAnalyzer struct {
	cfg     PayloadConfig
	store   datastore.DataStore
	matcher *matcher.MultiPatternMatcher
}

// NewPayloadAnalyzer constructs an analyzer backed by m and store.
func NewPayloadAnalyzer(cfg PayloadConfig, store datastore.DataStore, m *matcher.MultiPatternMatcher) *PayloadAnalyzer {
	return &PayloadAnalyzer{cfg: cfg, store: store, matcher: m}
}

func (a *PayloadAnalyzer) Identifier() string          { return "payload" }
func (a *PayloadAnalyzer) Enabled() bool               { return a.cfg.Enabled }
func (a *PayloadAnalyzer) RequiresBody() bool          { return true }
func (a *PayloadAnalyzer) UsesExternalResources() bool { return false }

func (a *PayloadAnalyzer) Analyze(ctx context.Context, req Request) float64 {
	if !a.cfg.Enabled || !req.HasBody || len(req.Body) == 0 {
		return 0
	}

	sum := md5.Sum(req.Body)
	cacheKey := fmt.Sprintf("payload_analyzer:%s:%s", req.Fingerprint, hex.EncodeToString(sum[:]))

	if cached, ok, err := a.store.Get(ctx, cacheKey); err == nil && ok {
		if f, isFloat := cached.(float64); isFloat {
			return f
		}
	}

	matches, err := a.matcher.Scan(req.Body)
	if err != nil {
		slog.Warn("payload scan failed", "analyzer", a.Identifier(), "error", err)
		return 0
	}

	var score float64
	for _, m := range matches {
		if impact, ok := a.cfg.PatternImpact[m.OriginalPattern]; ok {
			score += impact
			continue
		}
		score++
	}
	score = math.Min(score, a.cfg.MaxScore)

	_ = a.store.Set(ctx, cacheKey, score, a.cfg.CacheTTL)
	return score
}
