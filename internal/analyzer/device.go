package analyzer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/citadel-fw/citadel/internal/datastore"
)

// DeviceClass is the coarse device category DeviceAnalyzer resolves a
// non-bot User-Agent into.
type DeviceClass string

const (
	DeviceSmartphone DeviceClass = "smartphone"
	DeviceTablet     DeviceClass = "tablet"
	DeviceDesktop    DeviceClass = "desktop"
)

// DeviceClassifier resolves a User-Agent string into a coarse device
// class. Classification failures return an error, which DeviceAnalyzer
// treats as the unknown case.
type DeviceClassifier interface {
	Classify(ua string) (DeviceClass, error)
}

// DeviceConfig tunes DeviceAnalyzer.
type DeviceConfig struct {
	Enabled bool `yaml:"enabled"`

	BotSubstrings []string `yaml:"bot_substrings"`

	UnknownScore    float64 `yaml:"unknown_score"`
	BotScore        float64 `yaml:"bot_score"`
	SmartphoneScore float64 `yaml:"smartphone_score"`
	TabletScore     float64 `yaml:"tablet_score"`
	DesktopScore    float64 `yaml:"desktop_score"`

	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheCapacity int           `yaml:"cache_capacity"`
}

// DefaultDeviceConfig returns reasonable out-of-the-box tuning.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Enabled: true,
		BotSubstrings: []string{
			"bot", "crawler", "spider", "scraper", "curl", "wget",
			"python-requests", "go-http-client", "headlesschrome",
		},
		UnknownScore:    5,
		BotScore:        40,
		SmartphoneScore: 0,
		TabletScore:     0,
		DesktopScore:    0,
		CacheTTL:        30 * time.Minute,
		CacheCapacity:   4096,
	}
}

// DeviceAnalyzer scores a request's User-Agent, distinguishing bots from
// classified device types and caching both the classification and the
// DataStore-level result.
type DeviceAnalyzer struct {
	cfg        DeviceConfig
	store      datastore.DataStore
	classifier DeviceClassifier
	uaCache    *lru.Cache[string, DeviceClass]
}

// NewDeviceAnalyzer constructs an analyzer backed by store and classifier.
func NewDeviceAnalyzer(cfg DeviceConfig, store datastore.DataStore, classifier DeviceClassifier) *DeviceAnalyzer {
	capacity := cfg.CacheCapacity
	if capacity <= 0 {
		capacity = 1
	}
	cache, _ := lru.New[string, DeviceClass](capacity)
	return &DeviceAnalyzer{cfg: cfg, store: store, classifier: classifier, uaCache: cache}
}

func (a *DeviceAnalyzer) Identifier() string          { return "device" }
func (a *DeviceAnalyzer) Enabled() bool               { return a.cfg.Enabled }
func (a *DeviceAnalyzer) RequiresBody() bool          { return false }
func (a *DeviceAnalyzer) UsesExternalResources() bool { return false }

func (a *DeviceAnalyzer) Analyze(ctx context.Context, req Request) float64 {
	if !a.cfg.Enabled {
		return 0
	}
	if req.UserAgent == "" {
		return a.cfg.UnknownScore
	}

	sum := md5.Sum([]byte(req.UserAgent))
	cacheKey := fmt.Sprintf("device:%s", hex.EncodeToString(sum[:]))
	if cached, ok, err := a.store.Get(ctx, cacheKey); err == nil && ok {
		if f, isFloat := cached.(float64); isFloat {
			return f
		}
	}

	score := a.classify(req.UserAgent)
	_ = a.store.Set(ctx, cacheKey, score, a.cfg.CacheTTL)
	return score
}

func (a *DeviceAnalyzer) classify(ua string) float64 {
	if a.looksLikeBot(ua) {
		return a.cfg.BotScore
	}

	if class, ok := a.uaCache.Get(ua); ok {
		return a.scoreForClass(class)
	}

	class, err := a.classifier.Classify(ua)
	if err != nil {
		slog.Warn("device classifier failed", "error", err)
		return a.cfg.UnknownScore
	}

	a.uaCache.Add(ua, class)
	return a.scoreForClass(class)
}

func (a *DeviceAnalyzer) looksLikeBot(ua string) bool {
	lower := strings.ToLower(ua)
	for _, substr := range a.cfg.BotSubstrings {
		if strings.Contains(lower, strings.ToLower(substr)) {
			return true
		}
	}
	return strings.HasPrefix(lower, "mozilla/5.0") && len(ua) < 40
}

func (a *DeviceAnalyzer) scoreForClass(class DeviceClass) float64 {
	switch class {
	case DeviceSmartphone:
		return a.cfg.SmartphoneScore
	case DeviceTablet:
		return a.cfg.TabletScore
	case DeviceDesktop:
		return a.cfg.DesktopScore
	default:
		return a.cfg.UnknownScore
	}
}

// HeuristicDeviceClassifier is a small, dependency-free classifier based on
// common substrings in real-world User-Agent strings. It never errors;
// unrecognized strings classify as desktop.
type HeuristicDeviceClassifier struct{}

func (HeuristicDeviceClassifier) Classify(ua string) (DeviceClass, error) {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "ipad") || (strings.Contains(lower, "android") && !strings.Contains(lower, "mobile")):
		return DeviceTablet, nil
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipod") ||
		(strings.Contains(lower, "android") && strings.Contains(lower, "mobile")) ||
		strings.Contains(lower, "mobile"):
		return DeviceSmartphone, nil
	default:
		return DeviceDesktop, nil
	}
}
