// Package config loads StormGate's runtime configuration from the
// environment, with an optional YAML file layered underneath for local
// overrides. This is the collaborator contract spec.md §6 describes: the
// core never reads the environment directly, it only consumes a *Config.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the fully parsed, validated runtime configuration. Every field
// corresponds to a key in spec.md §6's table.
type Config struct {
	// Core
	UpstreamBaseURL string
	AdminAPIKey     string
	SensitivityTag  string // low|medium|high

	// Baseline throughput
	BaseRateLimit     int
	RateWindowSeconds int
	BurstMultiplier   float64

	// Per-IP limiter
	RequestRateLimit     int
	SlidingWindowSeconds int

	// Blocking policy
	BlockDurationMinutes     int
	BlockThresholdViolations int
	ProgressiveBlocking      bool
	MaxBlockDurationHours    int

	// Classifier + cache tuning
	ModelPath            string
	EnableModelCache     bool
	ModelCacheTTLSeconds int
	ModelCacheMaxSize    int
	BatchPredictionSize  int

	// Feature extractor
	FeatureWindowSeconds int
	MinSamplesRequired   int

	// IP lists
	BlocklistIPs     []string
	WhitelistIPs     []string
	TrustedProxies   []netip.Prefix
	CountryBlocklist []string
	ASNBlocklist     []string

	// Request handling
	HonorXForwardedFor    bool
	MaxRequestSizeKB      int
	EnableRequestValidate bool

	// Listen address for the proxy HTTP server; not part of spec.md §6's
	// table (that table is about pipeline behavior) but needed to start
	// the process, so it rides along with a sane default.
	ListenAddr string

	// Optional Redis backend for the mitigation controller and prediction
	// cache. Empty RedisAddr means "use the in-memory backend" — the
	// spec-compliant default (see SPEC_FULL.md Non-goals).
	RedisAddr string
}

// raw mirrors the koanf key space before validation/derivation.
type raw struct {
	UpstreamBaseURL string `koanf:"upstream_base_url"`
	AdminAPIKey     string `koanf:"admin_api_key"`
	SensitivityTag  string `koanf:"sensitivity_level"`

	BaseRateLimit     int     `koanf:"base_rate_limit"`
	RateWindowSeconds int     `koanf:"rate_window_seconds"`
	BurstMultiplier   float64 `koanf:"burst_multiplier"`

	RequestRateLimit     int `koanf:"request_rate_limit"`
	SlidingWindowSeconds int `koanf:"sliding_window_seconds"`

	BlockDurationMinutes     int    `koanf:"block_duration_minutes"`
	BlockThresholdViolations int    `koanf:"block_threshold_violations"`
	ProgressiveBlocking      string `koanf:"progressive_blocking"`
	MaxBlockDurationHours    int    `koanf:"max_block_duration_hours"`

	ModelPath            string `koanf:"model_path"`
	EnableModelCache     string `koanf:"enable_model_cache"`
	ModelCacheTTLSeconds int    `koanf:"model_cache_ttl_seconds"`
	ModelCacheMaxSize    int    `koanf:"model_cache_max_size"`
	BatchPredictionSize  int    `koanf:"batch_prediction_size"`

	FeatureWindowSeconds int `koanf:"feature_window_seconds"`
	MinSamplesRequired   int `koanf:"min_samples_required"`

	BlocklistIPs     string `koanf:"blocklist_ips"`
	WhitelistIPs     string `koanf:"whitelist_ips"`
	TrustedProxies   string `koanf:"trusted_proxies"`
	CountryBlocklist string `koanf:"country_blocklist"`
	ASNBlocklist     string `koanf:"asn_blocklist"`

	HonorXForwardedFor    string `koanf:"honor_x_forwarded_for"`
	MaxRequestSizeKB      int    `koanf:"max_request_size_kb"`
	EnableRequestValidate string `koanf:"enable_request_validation"`

	ListenAddr string `koanf:"listen_addr"`
	RedisAddr  string `koanf:"redis_addr"`
}

func defaultRaw() raw {
	return raw{
		SensitivityTag:           "medium",
		BaseRateLimit:            120,
		RateWindowSeconds:        60,
		BurstMultiplier:          1.5,
		RequestRateLimit:         5,
		SlidingWindowSeconds:     60,
		BlockDurationMinutes:     30,
		BlockThresholdViolations: 3,
		ProgressiveBlocking:      "true",
		MaxBlockDurationHours:    24,
		ModelPath:                "models/classifier.json",
		EnableModelCache:         "true",
		ModelCacheTTLSeconds:     300,
		ModelCacheMaxSize:        10000,
		BatchPredictionSize:      32,
		FeatureWindowSeconds:     300,
		MinSamplesRequired:       10,
		HonorXForwardedFor:       "false",
		MaxRequestSizeKB:         1024,
		EnableRequestValidate:    "true",
		ListenAddr:               ":8080",
	}
}

// asMap renders defaults as a plain map so they can be loaded through
// koanf's confmap.Provider as the bottom layer, underneath any YAML file and
// the environment overrides loaded on top of it.
func (r raw) asMap() map[string]interface{} {
	return map[string]interface{}{
		"upstream_base_url":          r.UpstreamBaseURL,
		"admin_api_key":              r.AdminAPIKey,
		"sensitivity_level":          r.SensitivityTag,
		"base_rate_limit":            r.BaseRateLimit,
		"rate_window_seconds":        r.RateWindowSeconds,
		"burst_multiplier":           r.BurstMultiplier,
		"request_rate_limit":         r.RequestRateLimit,
		"sliding_window_seconds":     r.SlidingWindowSeconds,
		"block_duration_minutes":     r.BlockDurationMinutes,
		"block_threshold_violations": r.BlockThresholdViolations,
		"progressive_blocking":       r.ProgressiveBlocking,
		"max_block_duration_hours":   r.MaxBlockDurationHours,
		"model_path":                 r.ModelPath,
		"enable_model_cache":         r.EnableModelCache,
		"model_cache_ttl_seconds":    r.ModelCacheTTLSeconds,
		"model_cache_max_size":       r.ModelCacheMaxSize,
		"batch_prediction_size":      r.BatchPredictionSize,
		"feature_window_seconds":     r.FeatureWindowSeconds,
		"min_samples_required":       r.MinSamplesRequired,
		"blocklist_ips":              r.BlocklistIPs,
		"whitelist_ips":              r.WhitelistIPs,
		"trusted_proxies":            r.TrustedProxies,
		"country_blocklist":          r.CountryBlocklist,
		"asn_blocklist":              r.ASNBlocklist,
		"honor_x_forwarded_for":      r.HonorXForwardedFor,
		"max_request_size_kb":        r.MaxRequestSizeKB,
		"enable_request_validation":  r.EnableRequestValidate,
		"listen_addr":                r.ListenAddr,
		"redis_addr":                 r.RedisAddr,
	}
}

// Load reads configuration from the environment (prefix "STORMGATE_",
// stripped and lowercased to match the raw tags above), optionally layering
// an env-pointed YAML file underneath first — mirrors the teacher's
// STORMGATE_CONFIG env-path pattern, generalized to a file+env stack.
func Load() (*Config, error) {
	k := koanf.New(".")

	def := defaultRaw()
	if err := k.Load(confmap.Provider(def.asMap(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := os.Getenv("STORMGATE_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("STORMGATE_", ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, "STORMGATE_"))
		return key, value
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var r raw
	if err := k.Unmarshal("", &r); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return validate(r)
}

// validate turns raw string/primitive fields into the typed, derived Config,
// failing loudly (ConfigInvalid, spec.md §7) on anything malformed.
func validate(r raw) (*Config, error) {
	if r.UpstreamBaseURL == "" {
		return nil, fmt.Errorf("config: upstream_base_url is required")
	}
	if !strings.HasPrefix(r.UpstreamBaseURL, "http://") && !strings.HasPrefix(r.UpstreamBaseURL, "https://") {
		return nil, fmt.Errorf("config: upstream_base_url must start with http:// or https://")
	}

	switch r.SensitivityTag {
	case "low", "medium", "high":
	default:
		return nil, fmt.Errorf("config: unknown sensitivity_level %q", r.SensitivityTag)
	}

	progressive, err := parseBool(r.ProgressiveBlocking)
	if err != nil {
		return nil, fmt.Errorf("config: progressive_blocking: %w", err)
	}
	enableCache, err := parseBool(r.EnableModelCache)
	if err != nil {
		return nil, fmt.Errorf("config: enable_model_cache: %w", err)
	}
	honorXFF, err := parseBool(r.HonorXForwardedFor)
	if err != nil {
		return nil, fmt.Errorf("config: honor_x_forwarded_for: %w", err)
	}
	enableValidate, err := parseBool(r.EnableRequestValidate)
	if err != nil {
		return nil, fmt.Errorf("config: enable_request_validation: %w", err)
	}

	trustedProxies, err := parseCIDRs(r.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("config: trusted_proxies: %w", err)
	}

	featureWindow := r.FeatureWindowSeconds
	if featureWindow < r.SlidingWindowSeconds {
		featureWindow = r.SlidingWindowSeconds
	}

	maxBlockMinutes := r.MaxBlockDurationHours * 60
	blockMinutes := r.BlockDurationMinutes
	if blockMinutes > maxBlockMinutes {
		blockMinutes = maxBlockMinutes
	}

	if r.SlidingWindowSeconds <= 0 {
		return nil, fmt.Errorf("config: sliding_window_seconds must be positive")
	}

	cfg := &Config{
		UpstreamBaseURL:          r.UpstreamBaseURL,
		AdminAPIKey:              r.AdminAPIKey,
		SensitivityTag:           r.SensitivityTag,
		BaseRateLimit:            r.BaseRateLimit,
		RateWindowSeconds:        r.RateWindowSeconds,
		BurstMultiplier:          r.BurstMultiplier,
		RequestRateLimit:         r.RequestRateLimit,
		SlidingWindowSeconds:     r.SlidingWindowSeconds,
		BlockDurationMinutes:     blockMinutes,
		BlockThresholdViolations: r.BlockThresholdViolations,
		ProgressiveBlocking:      progressive,
		MaxBlockDurationHours:    r.MaxBlockDurationHours,
		ModelPath:                r.ModelPath,
		EnableModelCache:         enableCache,
		ModelCacheTTLSeconds:     r.ModelCacheTTLSeconds,
		ModelCacheMaxSize:        r.ModelCacheMaxSize,
		BatchPredictionSize:      r.BatchPredictionSize,
		FeatureWindowSeconds:     featureWindow,
		MinSamplesRequired:       r.MinSamplesRequired,
		BlocklistIPs:             parseList(r.BlocklistIPs),
		WhitelistIPs:             parseList(r.WhitelistIPs),
		TrustedProxies:           trustedProxies,
		CountryBlocklist:         parseList(r.CountryBlocklist),
		ASNBlocklist:             parseList(r.ASNBlocklist),
		HonorXForwardedFor:       honorXFF,
		MaxRequestSizeKB:         r.MaxRequestSizeKB,
		EnableRequestValidate:    enableValidate,
		ListenAddr:               r.ListenAddr,
		RedisAddr:                r.RedisAddr,
	}
	return cfg, nil
}

func parseList(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseCIDRs(v string) ([]netip.Prefix, error) {
	items := parseList(v)
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			// Bare IPs are accepted as /32 or /128 single-host entries.
			addr, aerr := netip.ParseAddr(item)
			if aerr != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", item, err)
			}
			bits := 32
			if addr.Is6() {
				bits = 128
			}
			prefix = netip.PrefixFrom(addr, bits)
		}
		out = append(out, prefix)
	}
	return out, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", v)
	}
}

