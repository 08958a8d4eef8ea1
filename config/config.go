// Package config loads the service configuration from YAML or JSON
// files with optional environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kmarchand/hemonet/core/alloc"
	"github.com/kmarchand/hemonet/core/candidates"
	"github.com/kmarchand/hemonet/core/rebalance"
	"github.com/kmarchand/hemonet/core/routing"
	"github.com/kmarchand/hemonet/core/shortage"
	"github.com/kmarchand/hemonet/infra/mqtt"
)

type Config struct {
	MQTT       mqtt.Config      `json:"mqtt"`
	Alloc      alloc.Config     `json:"alloc"`
	Candidates CandidatesConfig `json:"candidates"`
	Routing    RoutingConfig    `json:"routing"`
	Rebalance  rebalance.Config `json:"rebalance"`
	Shortage   shortage.Config  `json:"shortage"`
	Ledger     LedgerConfig     `json:"ledger"`
	Metrics    MetricsConfig    `json:"metrics"`
	API        APIConfig        `json:"api"`
}

// CandidatesConfig mirrors the candidate-search policy with
// serialization-friendly field types.
type CandidatesConfig struct {
	SafetyBufferMinutes int            `json:"safety_buffer_minutes"`
	RadiusKm            float64        `json:"radius_km"`
	MaxCandidates       int            `json:"max_candidates"`
	SafetyStock         map[string]int `json:"safety_stock"`
	DefaultSafetyStock  int            `json:"default_safety_stock"`
	MaxRouteRetries     int            `json:"max_route_retries"`
	RouteBackoffMS      int            `json:"route_backoff_ms"`
}

// SetDefaults applies sane defaults.
func (c *CandidatesConfig) SetDefaults() {
	if c.SafetyBufferMinutes <= 0 {
		c.SafetyBufferMinutes = 15
	}
	if c.RadiusKm <= 0 {
		c.RadiusKm = 50
	}
	if c.MaxRouteRetries <= 0 {
		c.MaxRouteRetries = 2
	}
	if c.RouteBackoffMS <= 0 {
		c.RouteBackoffMS = 50
	}
}

// Generator converts to the candidate generator's config type.
func (c CandidatesConfig) Generator() candidates.Config {
	return candidates.Config{
		SafetyBuffer:       time.Duration(c.SafetyBufferMinutes) * time.Minute,
		RadiusKm:           c.RadiusKm,
		MaxCandidates:      c.MaxCandidates,
		SafetyStock:        c.SafetyStock,
		DefaultSafetyStock: c.DefaultSafetyStock,
		MaxRouteRetries:    c.MaxRouteRetries,
		RouteBackoffMS:     c.RouteBackoffMS,
	}
}

// RoutingConfig tunes the routing engine.
type RoutingConfig struct {
	CacheTTLSeconds int     `json:"cache_ttl_seconds"`
	MinutesPerKm    float64 `json:"minutes_per_km"`
}

// SetDefaults applies sane defaults.
func (c *RoutingConfig) SetDefaults() {
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = 30
	}
	if c.MinutesPerKm <= 0 {
		c.MinutesPerKm = routing.DefaultMinutesPerKm
	}
}

// Options converts to routing engine options.
func (c RoutingConfig) Options() []routing.Option {
	return []routing.Option{
		routing.WithCacheTTL(time.Duration(c.CacheTTLSeconds) * time.Second),
		routing.WithMinutesPerKm(c.MinutesPerKm),
	}
}

// LedgerConfig selects the reservation journal backend.
type LedgerConfig struct {
	// Backend selects the journal store type: "sqlite" or "memory".
	Backend string `json:"backend"`
	// Path is the database location for the sqlite backend.
	Path string `json:"path"`
}

// SetDefaults applies sane defaults.
func (c *LedgerConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	if c.Path == "" {
		c.Path = "reservations.db"
	}
}

// Validate checks mandatory fields.
func (c LedgerConfig) Validate() error {
	if c.Backend != "sqlite" && c.Backend != "memory" {
		return fmt.Errorf("unknown ledger backend %s", c.Backend)
	}
	if c.Backend == "sqlite" && c.Path == "" {
		return fmt.Errorf("ledger path is required")
	}
	return nil
}

// SinkConfig selects one metrics sink.
type SinkConfig struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// MetricsConfig configures the observability sinks.
type MetricsConfig struct {
	Sinks          []SinkConfig `json:"sinks"`
	PrometheusAddr string       `json:"prometheus_addr"`
}

// Validate checks that every sink type is known.
func (c MetricsConfig) Validate() error {
	for _, s := range c.Sinks {
		switch s.Type {
		case "nop", "prometheus", "influx":
		default:
			return fmt.Errorf("unknown metrics sink type %s", s.Type)
		}
	}
	return nil
}

// APIConfig configures the HTTP intake server.
type APIConfig struct {
	Addr string `json:"addr"`
}

// SetDefaults applies sane defaults.
func (c *APIConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

// Load reads the configuration file at path, applies HN_ environment
// overrides (HN_MQTT__BROKER maps to mqtt.broker), defaults and
// validation.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("HN_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "hn_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.MQTT.SetDefaults()
	cfg.Alloc.SetDefaults()
	cfg.Candidates.SetDefaults()
	cfg.Routing.SetDefaults()
	cfg.Rebalance.SetDefaults()
	cfg.Shortage.SetDefaults()
	cfg.Ledger.SetDefaults()
	cfg.API.SetDefaults()
	if err := cfg.Ledger.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Metrics.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
