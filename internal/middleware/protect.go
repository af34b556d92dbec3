// Package middleware implements ProtectRoute, the HTTP firewall gate that
// resolves a fingerprint, checks ban state, runs the configured analyzers,
// and decides whether a request is blocked, flagged, or passed through.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/citadel-fw/citadel/internal/analyzer"
	"github.com/citadel-fw/citadel/internal/datastore"
	"github.com/citadel-fw/citadel/internal/fingerprint"
	"github.com/citadel-fw/citadel/internal/storage"
	"github.com/citadel-fw/citadel/internal/telemetry"
)

// AuditStore persists a record for each request whose score reaches the
// warning threshold or above. *storage.SQLiteStore satisfies this.
type AuditStore interface {
	SaveRequest(record storage.AuditRecord) error
}

// ProtectConfig tunes ProtectRoute's decision thresholds and ban behavior.
type ProtectConfig struct {
	Enabled bool `yaml:"enabled"`

	BlockThreshold   float64 `yaml:"block_threshold"`
	WarningThreshold float64 `yaml:"warning_threshold"`

	AutoBanEnabled bool          `yaml:"auto_ban_enabled"`
	BanDuration    time.Duration `yaml:"ban_duration"`

	// BanByIP additionally checks and writes bans keyed by remote IP, not
	// just fingerprint. The source applies this inconsistently; default false.
	BanByIP bool `yaml:"ban_by_ip"`

	RequestScoreTTL          time.Duration `yaml:"request_score_ttl"`
	ExternalAnalyzersEnabled bool          `yaml:"external_analyzers_enabled"`

	BannedStatusCode int    `yaml:"banned_status_code"`
	BannedBody       string `yaml:"banned_body"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// Ladder, when non-empty, replaces the plain block/warn pair above with
	// an ordered list of {score, action} steps (observe/warn/block/ban).
	// The default two-threshold behavior above is the implicit two-step
	// ladder and remains exact when Ladder is left empty.
	Ladder []ThresholdStep `yaml:"ladder"`
}

// ThresholdStep is one rung of an optional risk ladder: at or above Score,
// Action (one of "observe", "warn", "block", "ban") applies.
type ThresholdStep struct {
	Score  float64 `yaml:"score"`
	Action string  `yaml:"action"`
}

// DefaultProtectConfig returns reasonable out-of-the-box tuning.
func DefaultProtectConfig() ProtectConfig {
	return ProtectConfig{
		Enabled:                  true,
		BlockThreshold:           75,
		WarningThreshold:         40,
		AutoBanEnabled:           true,
		BanDuration:              1 * time.Hour,
		RequestScoreTTL:          1 * time.Minute,
		ExternalAnalyzersEnabled: true,
		BannedStatusCode:         http.StatusForbidden,
		BannedBody:               `{"error":"forbidden","message":"request blocked"}`,
		MaxBodyBytes:             1 << 20,
	}
}

// ProtectRoute is the firewall gate wrapping a downstream http.Handler.
type ProtectRoute struct {
	cfg       ProtectConfig
	fpConfig  fingerprint.Config
	store     datastore.DataStore
	analyzers []analyzer.Analyzer
	telemetry *telemetry.Provider
	auditLog  AuditStore
}

// NewProtectRoute constructs a gate backed by store, running analyzers in
// the given order.
func NewProtectRoute(cfg ProtectConfig, fpConfig fingerprint.Config, store datastore.DataStore, analyzers []analyzer.Analyzer) *ProtectRoute {
	return &ProtectRoute{cfg: cfg, fpConfig: fpConfig, store: store, analyzers: analyzers}
}

// WithTelemetry attaches a telemetry provider, emitting a span per request
// and a child event per analyzer. Passing nil disables tracing.
func (p *ProtectRoute) WithTelemetry(provider *telemetry.Provider) *ProtectRoute {
	p.telemetry = provider
	return p
}

// WithAuditLog attaches a store that records one row per request scored at
// or above the warning threshold. Passing nil disables audit logging.
func (p *ProtectRoute) WithAuditLog(store AuditStore) *ProtectRoute {
	p.auditLog = store
	return p
}

// Wrap returns next guarded by the firewall decision pipeline.
func (p *ProtectRoute) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		fp, hasFP := fingerprint.Extract(fingerprint.FromRequest(r), p.fpConfig)
		if !hasFP {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		ip := remoteIP(r)

		var span trace.Span
		if p.telemetry != nil {
			ctx, span = p.telemetry.StartRequestSpan(ctx, fp, r.Method, r.URL.Path)
		}

		if p.isBanned(ctx, fp, ip) {
			p.finishSpan(span, 0, "banned", p.cfg.BannedStatusCode)
			p.deny(w)
			return
		}

		score, cached := p.cachedScore(ctx, fp)
		var analyzerScores map[string]float64
		if !cached {
			req := p.buildRequest(r, fp)
			score, analyzerScores = p.runAnalyzers(ctx, req)
			if err := p.store.Set(ctx, requestScoreKey(fp), score, p.cfg.RequestScoreTTL); err != nil {
				slog.Warn("failed to cache request score", "fingerprint", fp, "error", err)
			}
		}

		switch p.decide(score) {
		case actionBan:
			p.ban(ctx, fp, ip)
			if p.telemetry != nil {
				p.telemetry.RecordBan(ctx, fp, ip)
			}
			p.recordAudit(fp, ip, r.URL.Path, score, "ban", analyzerScores)
			p.finishSpan(span, score, "ban", p.cfg.BannedStatusCode)
			p.deny(w)
		case actionBlock:
			if p.cfg.AutoBanEnabled {
				p.ban(ctx, fp, ip)
			}
			p.recordAudit(fp, ip, r.URL.Path, score, "block", analyzerScores)
			p.finishSpan(span, score, "block", p.cfg.BannedStatusCode)
			p.deny(w)
		case actionWarn:
			p.recordAudit(fp, ip, r.URL.Path, score, "warn", analyzerScores)
			p.finishSpan(span, score, "warn", http.StatusOK)
			w.Header().Set("X-Threat-Detected", "true")
			next.ServeHTTP(w, r)
		default:
			p.finishSpan(span, score, "observe", http.StatusOK)
			next.ServeHTTP(w, r)
		}
	})
}

// recordAudit persists a row for a request scored at or above the warning
// threshold, a no-op when no audit store is attached. analyzerScores is nil
// when the decision came from a cached score rather than a fresh analyzer
// run; the row is still written since the decision itself is what matters.
func (p *ProtectRoute) recordAudit(fp, ip, path string, score float64, decision string, analyzerScores map[string]float64) {
	if p.auditLog == nil {
		return
	}
	record := storage.AuditRecord{
		Fingerprint:    fp,
		ClientAddr:     ip,
		Timestamp:      time.Now(),
		Score:          score,
		Decision:       decision,
		AnalyzerScores: analyzerScores,
		Path:           path,
	}
	if err := p.auditLog.SaveRequest(record); err != nil {
		slog.Warn("failed to save audit record", "fingerprint", fp, "error", err)
	}
}

// finishSpan ends span with the outcome, a no-op when telemetry is disabled.
func (p *ProtectRoute) finishSpan(span trace.Span, score float64, decision string, statusCode int) {
	if p.telemetry == nil || span == nil {
		return
	}
	p.telemetry.EndRequestSpan(span, score, decision, statusCode)
}

type decidedAction int

const (
	actionObserve decidedAction = iota
	actionWarn
	actionBlock
	actionBan
)

// decide maps a score to an action. With no ladder configured, this is the
// spec's required two-threshold behavior exactly: block >= BlockThreshold,
// warn >= WarningThreshold. A configured ladder picks the highest step
// whose score the request meets or exceeds.
func (p *ProtectRoute) decide(score float64) decidedAction {
	if len(p.cfg.Ladder) == 0 {
		switch {
		case score >= p.cfg.BlockThreshold:
			return actionBlock
		case score >= p.cfg.WarningThreshold:
			return actionWarn
		default:
			return actionObserve
		}
	}

	best := actionObserve
	bestScore := math.Inf(-1)
	for _, step := range p.cfg.Ladder {
		if score < step.Score || step.Score < bestScore {
			continue
		}
		bestScore = step.Score
		switch step.Action {
		case "ban":
			best = actionBan
		case "block":
			best = actionBlock
		case "warn":
			best = actionWarn
		default:
			best = actionObserve
		}
	}
	return best
}

func requestScoreKey(fp string) string   { return fmt.Sprintf("citadel:request_score:%s", fp) }
func banFingerprintKey(fp string) string { return fmt.Sprintf("citadel:ban:fingerprint:%s", fp) }
func banIPKey(ip string) string          { return fmt.Sprintf("citadel:ban:ip:%s", ip) }

func (p *ProtectRoute) isBanned(ctx context.Context, fp, ip string) bool {
	if _, ok, err := p.store.Get(ctx, banFingerprintKey(fp)); err == nil && ok {
		return true
	} else if err != nil {
		slog.Warn("ban lookup failed, failing open", "fingerprint", fp, "error", err)
	}
	if !p.cfg.BanByIP || ip == "" {
		return false
	}
	if _, ok, err := p.store.Get(ctx, banIPKey(ip)); err == nil && ok {
		return true
	} else if err != nil {
		slog.Warn("ban lookup failed, failing open", "ip", ip, "error", err)
	}
	return false
}

func (p *ProtectRoute) ban(ctx context.Context, fp, ip string) {
	if err := p.store.Set(ctx, banFingerprintKey(fp), true, p.cfg.BanDuration); err != nil {
		slog.Warn("failed to write ban record", "fingerprint", fp, "error", err)
	}
	if p.cfg.BanByIP && ip != "" {
		if err := p.store.Set(ctx, banIPKey(ip), true, p.cfg.BanDuration); err != nil {
			slog.Warn("failed to write ip ban record", "ip", ip, "error", err)
		}
	}
}

func (p *ProtectRoute) cachedScore(ctx context.Context, fp string) (float64, bool) {
	raw, ok, err := p.store.Get(ctx, requestScoreKey(fp))
	if err != nil || !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func (p *ProtectRoute) deny(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(p.cfg.BannedStatusCode)
	_, _ = w.Write([]byte(p.cfg.BannedBody))
}

// runAnalyzers filters analyzers by request shape and global config, then
// invokes the survivors in registration order, summing their scores and
// recording each one's individual contribution for the audit trail.
// Any analyzer panic or reported failure contributes 0 rather than
// aborting the request.
func (p *ProtectRoute) runAnalyzers(ctx context.Context, req analyzer.Request) (float64, map[string]float64) {
	var total float64
	scores := make(map[string]float64)
	for _, a := range p.analyzers {
		if !a.Enabled() {
			continue
		}
		if a.RequiresBody() && !req.HasBody {
			continue
		}
		if a.UsesExternalResources() && !p.cfg.ExternalAnalyzersEnabled {
			continue
		}
		s := p.invoke(ctx, a, req)
		scores[a.Identifier()] = s
		total += s
	}
	return total, scores
}

func (p *ProtectRoute) invoke(ctx context.Context, a analyzer.Analyzer, req analyzer.Request) (score float64) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("analyzer panicked", "analyzer", a.Identifier(), "recovered", r)
			score = 0
		}
		if p.telemetry != nil {
			p.telemetry.RecordAnalyzerScore(ctx, a.Identifier(), score, time.Since(start).Milliseconds())
		}
	}()
	return a.Analyze(ctx, req)
}

// buildRequest reads and restores the body, decoding JSON or form values as
// appropriate, capped at MaxBodyBytes.
func (p *ProtectRoute) buildRequest(r *http.Request, fp string) analyzer.Request {
	req := analyzer.Request{
		Fingerprint:    fp,
		HasFingerprint: true,
		IP:             remoteIP(r),
		UserAgent:      r.Header.Get("User-Agent"),
	}

	if r.Body == nil {
		return req
	}

	limit := p.cfg.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		return req
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

	if len(body) == 0 {
		return req
	}
	req.Body = body
	req.HasBody = true

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			req.JSONBody = decoded
		}
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		if values, err := parseFormBody(body); err == nil {
			req.FormValues = values
		}
	}

	return req
}

func parseFormBody(body []byte) (map[string][]string, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	return map[string][]string(values), nil
}

func remoteIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
