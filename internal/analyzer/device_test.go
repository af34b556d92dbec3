package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/citadel-fw/citadel/internal/datastore"
)

func newTestDeviceAnalyzer(store datastore.DataStore, classifier DeviceClassifier) *DeviceAnalyzer {
	return NewDeviceAnalyzer(DefaultDeviceConfig(), store, classifier)
}

func TestDeviceAnalyzer_EmptyUAReturnsUnknownScore(t *testing.T) {
	a := newTestDeviceAnalyzer(datastore.NewMemoryStore(), HeuristicDeviceClassifier{})
	req := Request{UserAgent: ""}
	if score := a.Analyze(context.Background(), req); score != a.cfg.UnknownScore {
		t.Fatalf("expected unknown_score %v, got %v", a.cfg.UnknownScore, score)
	}
}

func TestDeviceAnalyzer_DisabledScoresZero(t *testing.T) {
	cfg := DefaultDeviceConfig()
	cfg.Enabled = false
	a := NewDeviceAnalyzer(cfg, datastore.NewMemoryStore(), HeuristicDeviceClassifier{})
	req := Request{UserAgent: "some-bot/1.0"}
	if score := a.Analyze(context.Background(), req); score != 0 {
		t.Fatalf("expected 0 when disabled, got %v", score)
	}
}

func TestDeviceAnalyzer_BotSubstringMatches(t *testing.T) {
	a := newTestDeviceAnalyzer(datastore.NewMemoryStore(), HeuristicDeviceClassifier{})
	req := Request{UserAgent: "Mozilla/5.0 (compatible; Googlebot/2.1)"}
	if score := a.Analyze(context.Background(), req); score != a.cfg.BotScore {
		t.Fatalf("expected bot_score %v, got %v", a.cfg.BotScore, score)
	}
}

func TestDeviceAnalyzer_ShortMozillaPrefixIsBot(t *testing.T) {
	a := newTestDeviceAnalyzer(datastore.NewMemoryStore(), HeuristicDeviceClassifier{})
	req := Request{UserAgent: "Mozilla/5.0 short"}
	if score := a.Analyze(context.Background(), req); score != a.cfg.BotScore {
		t.Fatalf("expected bot_score %v for short mozilla/5.0 UA, got %v", a.cfg.BotScore, score)
	}
}

func TestDeviceAnalyzer_ClassifiesSmartphone(t *testing.T) {
	a := newTestDeviceAnalyzer(datastore.NewMemoryStore(), HeuristicDeviceClassifier{})
	req := Request{UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15"}
	if score := a.Analyze(context.Background(), req); score != a.cfg.SmartphoneScore {
		t.Fatalf("expected smartphone_score %v, got %v", a.cfg.SmartphoneScore, score)
	}
}

func TestDeviceAnalyzer_ClassifierErrorReturnsUnknownScore(t *testing.T) {
	a := newTestDeviceAnalyzer(datastore.NewMemoryStore(), failingClassifier{})
	req := Request{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/115"}
	if score := a.Analyze(context.Background(), req); score != a.cfg.UnknownScore {
		t.Fatalf("expected unknown_score %v on classifier error, got %v", a.cfg.UnknownScore, score)
	}
}

func TestDeviceAnalyzer_CachesByUAHash(t *testing.T) {
	store := datastore.NewMemoryStore()
	a := newTestDeviceAnalyzer(store, HeuristicDeviceClassifier{})
	req := Request{UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/115"}

	first := a.Analyze(context.Background(), req)
	second := a.Analyze(context.Background(), req)
	if first != second {
		t.Fatalf("expected cached score to match: %v vs %v", first, second)
	}
}

type failingClassifier struct{}

func (failingClassifier) Classify(ua string) (DeviceClass, error) {
	return "", errors.New("classifier unavailable")
}
