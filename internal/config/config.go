// Package config loads the TOML-structured configuration described in
// spec.md §6: general/performance/security/dns/rules sections, with
// deterministic environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// General holds region/debug/user-agent settings.
type General struct {
	Region  string `toml:"region"`
	Debug   bool   `toml:"debug"`
	UserAgent string `toml:"user_agent"`
}

// Performance holds chunking, concurrency, and pool tuning.
type Performance struct {
	MinChunkSize        int64 `toml:"min_chunk_size"`
	MaxChunkSize        int64 `toml:"max_chunk_size"`
	MinConcurrency      int   `toml:"min_concurrency"`
	MaxConcurrency      int   `toml:"max_concurrency"`
	AdaptiveConcurrency bool  `toml:"adaptive_concurrency"`
	AdaptiveChunking    bool  `toml:"adaptive_chunking"`
	MaxIdleConnsPerHost int   `toml:"max_idle_conns_per_host"`
}

// Security holds TLS/protocol restrictions.
type Security struct {
	VerifySSL        bool     `toml:"verify_ssl"`
	AllowedProtocols []string `toml:"allowed_protocols"`
}

// DNS holds DNS cache tuning.
type DNS struct {
	CacheTTLSeconds int `toml:"cache_ttl_seconds"`
	CacheMaxEntries int `toml:"cache_max_entries"`
}

// Rule is one TOML-declared mapping rule (spec.md §4.1 MappingRule).
type Rule struct {
	Name      string   `toml:"name"`
	Pattern   string   `toml:"pattern"`
	Templates []string `toml:"templates"`
	Regions   []string `toml:"regions"`
	Priority  int      `toml:"priority"`
	Enabled   bool     `toml:"enabled"`
}

// Config is the root configuration document.
type Config struct {
	General     General     `toml:"general"`
	Performance Performance `toml:"performance"`
	Security    Security    `toml:"security"`
	DNS         DNS         `toml:"dns"`
	Rules       []Rule      `toml:"rules"`
}

// Default returns a Config populated with the same defaults used
// throughout the engine when no file is loaded.
func Default() Config {
	return Config{
		General: General{Region: "global", UserAgent: "turbocdn-go/1.0"},
		Performance: Performance{
			MinChunkSize: 512 * 1024, MaxChunkSize: 8 * 1024 * 1024,
			MinConcurrency: 1, MaxConcurrency: 64,
			AdaptiveConcurrency: true, AdaptiveChunking: true,
			MaxIdleConnsPerHost: 16,
		},
		Security: Security{VerifySSL: true, AllowedProtocols: []string{"https", "http"}},
		DNS:      DNS{CacheTTLSeconds: 300, CacheMaxEntries: 512},
	}
}

// Load reads and decodes path, starting from Default() so any field
// the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// DNSCacheTTL returns the DNS cache TTL as a time.Duration.
func (c Config) DNSCacheTTL() time.Duration {
	return time.Duration(c.DNS.CacheTTLSeconds) * time.Second
}

// envPrefix namespaces every override key, e.g.
// TURBOCDN_GENERAL_REGION, TURBOCDN_PERFORMANCE_MAX_CONCURRENCY.
const envPrefix = "TURBOCDN_"

// ApplyEnv overrides individual Config fields from environment
// variables named TURBOCDN_<SECTION>_<FIELD> (spec.md §6 "Environment
// variables override individual keys via a deterministic naming
// scheme").
func ApplyEnv(cfg *Config) error {
	lookups := []struct {
		key string
		set func(string) error
	}{
		{"GENERAL_REGION", func(v string) error { cfg.General.Region = v; return nil }},
		{"GENERAL_DEBUG", boolSetter(&cfg.General.Debug)},
		{"GENERAL_USER_AGENT", func(v string) error { cfg.General.UserAgent = v; return nil }},
		{"PERFORMANCE_MIN_CHUNK_SIZE", int64Setter(&cfg.Performance.MinChunkSize)},
		{"PERFORMANCE_MAX_CHUNK_SIZE", int64Setter(&cfg.Performance.MaxChunkSize)},
		{"PERFORMANCE_MIN_CONCURRENCY", intSetter(&cfg.Performance.MinConcurrency)},
		{"PERFORMANCE_MAX_CONCURRENCY", intSetter(&cfg.Performance.MaxConcurrency)},
		{"PERFORMANCE_ADAPTIVE_CONCURRENCY", boolSetter(&cfg.Performance.AdaptiveConcurrency)},
		{"PERFORMANCE_ADAPTIVE_CHUNKING", boolSetter(&cfg.Performance.AdaptiveChunking)},
		{"SECURITY_VERIFY_SSL", boolSetter(&cfg.Security.VerifySSL)},
		{"DNS_CACHE_TTL_SECONDS", intSetter(&cfg.DNS.CacheTTLSeconds)},
	}
	for _, l := range lookups {
		raw, ok := os.LookupEnv(envPrefix + l.key)
		if !ok || raw == "" {
			continue
		}
		if err := l.set(raw); err != nil {
			return fmt.Errorf("config: env %s%s=%q: %w", envPrefix, l.key, raw, err)
		}
	}
	return nil
}

func boolSetter(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func intSetter(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func int64Setter(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

// Validate rejects configurations the engine cannot run with,
// surfaced as errs.ConfigError by callers.
func (c Config) Validate() error {
	if c.Performance.MinChunkSize <= 0 {
		return fmt.Errorf("config: min_chunk_size must be positive")
	}
	if c.Performance.MaxChunkSize < c.Performance.MinChunkSize {
		return fmt.Errorf("config: max_chunk_size must be >= min_chunk_size")
	}
	if c.Performance.MinConcurrency <= 0 {
		return fmt.Errorf("config: min_concurrency must be positive")
	}
	if c.Performance.MaxConcurrency < c.Performance.MinConcurrency {
		return fmt.Errorf("config: max_concurrency must be >= min_concurrency")
	}
	for _, p := range c.Security.AllowedProtocols {
		switch strings.ToLower(p) {
		case "http", "https":
		default:
			return fmt.Errorf("config: unsupported protocol %q in allowed_protocols", p)
		}
	}
	return nil
}
