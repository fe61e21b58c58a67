// Package config holds the router's process-resident configuration: role
// mappings, per-provider rate limits, pricing, feature flags, and the
// prompt template directory. It is loaded once from YAML and may be
// mutated at runtime through a typed update API (spec section 4.10).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/axiom-router/modelrouter/internal/ratelimit"
	"github.com/axiom-router/modelrouter/pkg/errs"
	"github.com/axiom-router/modelrouter/pkg/types"
)

// ModelRate is the $/1M-token price of one (provider, model) pair.
type ModelRate struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Pricing is provider -> model -> rate. A missing entry yields cost 0,
// per spec section 3.
type Pricing map[string]map[string]ModelRate

// Rate returns the configured rate for (provider, model), and whether one
// was found.
func (p Pricing) Rate(provider, model string) (ModelRate, bool) {
	byModel, ok := p[provider]
	if !ok {
		return ModelRate{}, false
	}
	rate, ok := byModel[model]
	return rate, ok
}

// RoleMapping resolves a logical role to a primary candidate and an
// ordered list of fallbacks.
type RoleMapping struct {
	Primary   types.Candidate   `yaml:"primary"`
	Fallbacks []types.Candidate `yaml:"fallbacks"`
}

// RateLimitConfig is the YAML-facing shape of a ratelimit.Spec. MinTimeMs
// and IntervalMs are converted to time.Duration; RefillPerIntervalMs is
// passed through unchanged as the token count refilled each interval.
type RateLimitConfig struct {
	MaxConcurrent       int `yaml:"maxConcurrent"`
	MinTimeMs           int `yaml:"minTimeMs"`
	Reservoir           int `yaml:"reservoir"`
	RefillPerIntervalMs int `yaml:"refillPerIntervalMs"`
	IntervalMs          int `yaml:"intervalMs"`
}

func (r RateLimitConfig) toSpec() ratelimit.Spec {
	return ratelimit.Spec{
		MaxConcurrent:     r.MaxConcurrent,
		MinTime:           time.Duration(r.MinTimeMs) * time.Millisecond,
		Reservoir:         r.Reservoir,
		RefillPerInterval: r.RefillPerIntervalMs,
		Interval:          time.Duration(r.IntervalMs) * time.Millisecond,
	}
}

// ProviderConfig is one entry of the providers list: the adapter type to
// construct (openai/anthropic/bedrock/mock) and its connection settings.
type ProviderConfig struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	APIKey     string   `yaml:"apiKey"`
	BaseURL    string   `yaml:"baseUrl"`
	Models     []string `yaml:"models"`
	TimeoutSec int      `yaml:"timeoutSec"`
	Region     string   `yaml:"region"`
}

// ServerConfig controls the admin HTTP facade.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metricsPath"`
}

// RedisCacheConfig configures the optional distributed response-cache
// backend; when Addr is empty the router uses its in-memory cache.
type RedisCacheConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	Redis RedisCacheConfig `yaml:"redis"`
}

// VaultConfig enables resolving provider API keys and other secrets
// through a vault:// scheme rather than plain-text or env:// values.
type VaultConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	RoleID   string `yaml:"roleId"`
	SecretID string `yaml:"secretId"`
	CACert   string `yaml:"caCert"`
}

// Config is the complete set of recognized options from spec section
// 4.10/4.11, plus the ambient process configuration (server, providers,
// cache backend, vault) needed to boot a standalone router process.
type Config struct {
	Server          ServerConfig               `yaml:"server"`
	TemplateDir     string                     `yaml:"templateDir"`
	CacheTTLMs      int                        `yaml:"cacheTTLms"`
	Cache           CacheConfig                `yaml:"cache"`
	QueueMaxSize    int                        `yaml:"queueMaxSize"`
	Providers       []ProviderConfig           `yaml:"providers"`
	RateLimits      map[string]RateLimitConfig `yaml:"rateLimits"`
	Pricing         Pricing                    `yaml:"pricing"`
	RoleMappings    map[string]RoleMapping     `yaml:"roleMappings"`
	FeatureFlags    map[string]bool            `yaml:"featureFlags"`
	ProviderAPIKeys map[string]string          `yaml:"providerApiKeys"`
	Vault           VaultConfig                `yaml:"vault"`
}

// CacheTTL returns CacheTTLMs as a time.Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMs) * time.Millisecond
}

// RateLimitSpec returns the ratelimit.Spec for provider, or a zero Spec
// (unlimited) when unconfigured.
func (c *Config) RateLimitSpec(provider string) ratelimit.Spec {
	rl, ok := c.RateLimits[provider]
	if !ok {
		return ratelimit.Spec{}
	}
	return rl.toSpec()
}

// ResolveRole returns the primary/fallback candidates configured for
// role, or an error if role is unmapped.
func (c *Config) ResolveRole(role string) (RoleMapping, error) {
	rm, ok := c.RoleMappings[role]
	if !ok {
		return RoleMapping{}, errs.New(errs.Config, fmt.Sprintf("no role mapping configured for role %q", role))
	}
	return rm, nil
}

// FeatureEnabled reports whether name is set and true.
func (c *Config) FeatureEnabled(name string) bool {
	return c.FeatureFlags[name]
}

func defaultConfig() *Config {
	return &Config{
		Server:          ServerConfig{Addr: ":8080", MetricsPath: "/metrics"},
		RateLimits:      make(map[string]RateLimitConfig),
		Pricing:         make(Pricing),
		RoleMappings:    make(map[string]RoleMapping),
		FeatureFlags:    make(map[string]bool),
		ProviderAPIKeys: make(map[string]string),
	}
}

// LoadFromFile reads and parses a YAML configuration file, filling any
// unset map fields so callers never see a nil map.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, fmt.Sprintf("reading config file %s", path))
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(errs.Config, err, "parsing config YAML")
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = make(map[string]RateLimitConfig)
	}
	if cfg.Pricing == nil {
		cfg.Pricing = make(Pricing)
	}
	if cfg.RoleMappings == nil {
		cfg.RoleMappings = make(map[string]RoleMapping)
	}
	if cfg.FeatureFlags == nil {
		cfg.FeatureFlags = make(map[string]bool)
	}
	if cfg.ProviderAPIKeys == nil {
		cfg.ProviderAPIKeys = make(map[string]string)
	}
	return cfg, nil
}

// clone returns a deep-enough copy for copy-on-write mutation: the map
// fields are copied one level deep so a mutation never touches the
// Config a concurrent reader holds.
func (c *Config) clone() *Config {
	cp := *c
	cp.Providers = make([]ProviderConfig, len(c.Providers))
	copy(cp.Providers, c.Providers)
	cp.RateLimits = make(map[string]RateLimitConfig, len(c.RateLimits))
	for k, v := range c.RateLimits {
		cp.RateLimits[k] = v
	}
	cp.Pricing = make(Pricing, len(c.Pricing))
	for provider, models := range c.Pricing {
		inner := make(map[string]ModelRate, len(models))
		for model, rate := range models {
			inner[model] = rate
		}
		cp.Pricing[provider] = inner
	}
	cp.RoleMappings = make(map[string]RoleMapping, len(c.RoleMappings))
	for k, v := range c.RoleMappings {
		fallbacks := make([]types.Candidate, len(v.Fallbacks))
		copy(fallbacks, v.Fallbacks)
		cp.RoleMappings[k] = RoleMapping{Primary: v.Primary, Fallbacks: fallbacks}
	}
	cp.FeatureFlags = make(map[string]bool, len(c.FeatureFlags))
	for k, v := range c.FeatureFlags {
		cp.FeatureFlags[k] = v
	}
	cp.ProviderAPIKeys = make(map[string]string, len(c.ProviderAPIKeys))
	for k, v := range c.ProviderAPIKeys {
		cp.ProviderAPIKeys[k] = v
	}
	return &cp
}
