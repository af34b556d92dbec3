package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/citadel-fw/citadel/internal/datastore"
)

// IpReputation is the decoded shape of the external reputation provider's
// response.
type IpReputation struct {
	IsBogon      bool `json:"is_bogon"`
	IsMobile     bool `json:"is_mobile"`
	IsSatellite  bool `json:"is_satellite"`
	IsCrawler    bool `json:"is_crawler"`
	IsDatacenter bool `json:"is_datacenter"`
	IsTor        bool `json:"is_tor"`
	IsProxy      bool `json:"is_proxy"`
	IsVpn        bool `json:"is_vpn"`
	IsAbuser     bool `json:"is_abuser"`
	Location     struct {
		Country string `json:"country"`
	} `json:"location"`
}

// IpReputationProvider queries an external service for an IP's reputation.
type IpReputationProvider interface {
	Lookup(ctx context.Context, ip string) (IpReputation, error)
}

// IpConfig tunes IpAnalyzer.
type IpConfig struct {
	Enabled bool `yaml:"enabled"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`

	DatacenterWeight float64 `yaml:"datacenter_weight"`
	VpnWeight        float64 `yaml:"vpn_weight"`
	ProxyWeight      float64 `yaml:"proxy_weight"`
	TorWeight        float64 `yaml:"tor_weight"`
	BogonWeight      float64 `yaml:"bogon_weight"`
	MobileWeight     float64 `yaml:"mobile_weight"`
	SatelliteWeight  float64 `yaml:"satellite_weight"`
	CrawlerWeight    float64 `yaml:"crawler_weight"`
	AbuserWeight     float64 `yaml:"abuser_weight"`

	HighRiskCountries  []string `yaml:"high_risk_countries"`
	TrustedCountries   []string `yaml:"trusted_countries"`
	CountryRiskAdjust  float64  `yaml:"country_risk_adjustment"`
	CountryTrustAdjust float64  `yaml:"country_trust_adjustment"`

	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultIpConfig returns reasonable out-of-the-box tuning.
func DefaultIpConfig() IpConfig {
	return IpConfig{
		Enabled:            true,
		RequestTimeout:     800 * time.Millisecond,
		RetryBackoff:       200 * time.Millisecond,
		DatacenterWeight:   15,
		VpnWeight:          20,
		ProxyWeight:        20,
		TorWeight:          35,
		BogonWeight:        10,
		MobileWeight:       0,
		SatelliteWeight:    5,
		CrawlerWeight:      10,
		AbuserWeight:       40,
		CountryRiskAdjust:  10,
		CountryTrustAdjust: -10,
		CacheTTL:           1 * time.Hour,
	}
}

// IpAnalyzer scores a request's remote IP against an external reputation
// provider, short-circuiting private/reserved addresses and failing open
// on any network error.
type IpAnalyzer struct {
	cfg      IpConfig
	store    datastore.DataStore
	provider IpReputationProvider
	limiter  *rate.Limiter
}

// NewIpAnalyzer constructs an analyzer backed by store and provider. limiter
// bounds the outbound request rate to the provider; pass nil for no limit.
func NewIpAnalyzer(cfg IpConfig, store datastore.DataStore, provider IpReputationProvider, limiter *rate.Limiter) *IpAnalyzer {
	return &IpAnalyzer{cfg: cfg, store: store, provider: provider, limiter: limiter}
}

func (a *IpAnalyzer) Identifier() string          { return "ip" }
func (a *IpAnalyzer) Enabled() bool               { return a.cfg.Enabled }
func (a *IpAnalyzer) RequiresBody() bool          { return false }
func (a *IpAnalyzer) UsesExternalResources() bool { return true }

func (a *IpAnalyzer) Analyze(ctx context.Context, req Request) float64 {
	if !a.cfg.Enabled {
		return 0
	}
	if isPrivateOrReserved(req.IP) {
		return 0
	}

	cacheKey := fmt.Sprintf("ip_analysis:%s", req.IP)
	if cached, ok, err := a.store.Get(ctx, cacheKey); err == nil && ok {
		if f, isFloat := cached.(float64); isFloat {
			return f
		}
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			slog.Warn("ip reputation rate limiter wait failed", "analyzer", a.Identifier(), "error", err)
			return 0
		}
	}

	rep, err := a.lookupWithRetry(ctx, req.IP)
	if err != nil {
		slog.Warn("ip reputation lookup failed", "ip", req.IP, "error", err)
		return 0
	}

	score := a.scoreReputation(rep)
	_ = a.store.Set(ctx, cacheKey, score, a.cfg.CacheTTL)
	return score
}

// lookupWithRetry calls the provider once, then once more after a fixed
// backoff on failure, per spec's "at-most-one retry" policy.
func (a *IpAnalyzer) lookupWithRetry(ctx context.Context, ip string) (IpReputation, error) {
	return backoff.Retry(ctx, func() (IpReputation, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
		return a.provider.Lookup(callCtx, ip)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(a.cfg.RetryBackoff)), backoff.WithMaxTries(2))
}

func (a *IpAnalyzer) scoreReputation(rep IpReputation) float64 {
	var score float64
	if rep.IsDatacenter {
		score += a.cfg.DatacenterWeight
	}
	if rep.IsVpn {
		score += a.cfg.VpnWeight
	}
	if rep.IsProxy {
		score += a.cfg.ProxyWeight
	}
	if rep.IsTor {
		score += a.cfg.TorWeight
	}
	if rep.IsBogon {
		score += a.cfg.BogonWeight
	}
	if rep.IsMobile {
		score += a.cfg.MobileWeight
	}
	if rep.IsSatellite {
		score += a.cfg.SatelliteWeight
	}
	if rep.IsCrawler {
		score += a.cfg.CrawlerWeight
	}
	if rep.IsAbuser {
		score += a.cfg.AbuserWeight
	}

	country := rep.Location.Country
	if containsFold(a.cfg.HighRiskCountries, country) {
		score += a.cfg.CountryRiskAdjust
	} else if containsFold(a.cfg.TrustedCountries, country) {
		score += a.cfg.CountryTrustAdjust
	}

	if score < 0 {
		score = 0
	}
	return score
}

func containsFold(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, item := range list {
		if len(item) == len(s) && equalFold(item, s) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func isPrivateOrReserved(ip string) bool {
	addr := net.ParseIP(ip)
	if addr == nil {
		return true
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified()
}

// HTTPIpReputationProvider queries an external JSON reputation endpoint of
// the shape described by IpReputation over HTTPS GET.
type HTTPIpReputationProvider struct {
	BaseURL string
	Client  *http.Client
}

func (p HTTPIpReputationProvider) Lookup(ctx context.Context, ip string) (IpReputation, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/"+ip, nil)
	if err != nil {
		return IpReputation{}, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return IpReputation{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return IpReputation{}, fmt.Errorf("reputation provider returned status %d", resp.StatusCode)
	}

	var rep IpReputation
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return IpReputation{}, err
	}
	return rep, nil
}
