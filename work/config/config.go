package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Config holds all application configuration values for the video gateway.
// It covers the upstream credential pair, session refresh cadence, per-tier
// admission limits, streaming parameters, and operational toggles.
type Config struct {
	BaseURL            string               // Base URL used when building ticket stream links
	ListenPort         int                  // HTTP listen port
	UpstreamBase       string               // Upstream site base URL
	UpstreamAuthURL    string               // Credential exchange endpoint
	UpstreamSearchURL  string               // Search/resolve endpoint
	UpstreamPlayerURL  string               // Format/player endpoint
	Email              string               // Upstream account identity (opaque)
	Password           string               // Upstream account secret (opaque)
	RefreshInterval    time.Duration        // Fallback session refresh cadence when upstream gives no expiry
	SafetyMargin       time.Duration        // Re-authenticate this long before estimated expiry
	MaxBackoff         time.Duration        // Upper bound for refresh retry backoff
	Tiers              map[string]TierLimit // Per-tier admission limits keyed by tier name
	ChunkSizeMB        int64                // Stream chunk size in MB
	TicketTTL          time.Duration        // Stream ticket lifetime
	ResolveCacheTTL    time.Duration        // Resolved source cache lifetime
	WorkerThreads      int                  // Bounded pool size for upstream resolutions
	UpstreamRatePerSec int                  // Outbound upstream request pacing
	Proxies            []string             // Optional outbound proxy rotation list
	UserAgents         []string             // User agents rotated on upstream requests
	DatabasePath       string               // SQLite database location
	AdminBootstrapKey  string               // Admin key seeded on first start
	Debug              bool                 // Enable debug logging
	ObfuscateUrls      bool                 // Obfuscate upstream URLs in logs
}

// TierLimit bundles the three admission window limits for one API key tier.
type TierLimit struct {
	PerMinute int `json:"perMinute"`
	PerHour   int `json:"perHour"`
	PerDay    int `json:"perDay"`
}

// ConfigFile represents the JSON file structure for marshaling/unmarshaling
// configuration. String duration fields (e.g. "12h") are parsed into
// time.Duration values during conversion.
type ConfigFile struct {
	BaseURL            string               `json:"baseURL"`
	ListenPort         int                  `json:"listenPort"`
	UpstreamBase       string               `json:"upstreamBase"`
	UpstreamAuthURL    string               `json:"upstreamAuthURL"`
	UpstreamSearchURL  string               `json:"upstreamSearchURL"`
	UpstreamPlayerURL  string               `json:"upstreamPlayerURL"`
	Email              string               `json:"email"`
	Password           string               `json:"password"`
	RefreshInterval    string               `json:"refreshInterval"` // Duration string (e.g. "12h")
	SafetyMargin       string               `json:"safetyMargin"`    // Duration string (e.g. "30m")
	MaxBackoff         string               `json:"maxBackoff"`      // Duration string (e.g. "15m")
	Tiers              map[string]TierLimit `json:"tiers"`
	ChunkSizeMB        int64                `json:"chunkSizeMB"`
	TicketTTL          string               `json:"ticketTTL"`       // Duration string (e.g. "1h")
	ResolveCacheTTL    string               `json:"resolveCacheTTL"` // Duration string (e.g. "10m")
	WorkerThreads      int                  `json:"workerThreads"`
	UpstreamRatePerSec int                  `json:"upstreamRatePerSec"`
	Proxies            []string             `json:"proxies,omitempty"`
	UserAgents         []string             `json:"userAgents,omitempty"`
	DatabasePath       string               `json:"databasePath"`
	AdminBootstrapKey  string               `json:"adminBootstrapKey"`
	Debug              bool                 `json:"debug"`
	ObfuscateUrls      bool                 `json:"obfuscateUrls"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from `/settings/config.json`.
//   - Falls back to default config if file is missing or invalid.
//   - Applies environment overrides for the credential pair so secrets can
//     stay out of the config file.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := "/settings/config.json"
	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	applyEnvOverrides(config)
	validateAndSetDefaults(config)

	configCache = config

	if config.Debug {
		log.Printf("Configuration loaded:")
		log.Printf("  Upstream base: %s", config.UpstreamBase)
		log.Printf("  Refresh interval: %s (safety margin %s)", config.RefreshInterval, config.SafetyMargin)
		log.Printf("  Tiers: %d configured", len(config.Tiers))
		log.Printf("  Proxies: %d configured", len(config.Proxies))
		log.Printf("  Obfuscate URLs: %v", config.ObfuscateUrls)
	}

	return config
}

// ClearConfigCache drops the cached singleton so the next LoadConfig call
// re-reads the file. Used by the graceful restart path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing every string
// duration. Invalid durations fail the whole load so a typo cannot silently
// shorten the session refresh cadence.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		BaseURL:            cf.BaseURL,
		ListenPort:         cf.ListenPort,
		UpstreamBase:       cf.UpstreamBase,
		UpstreamAuthURL:    cf.UpstreamAuthURL,
		UpstreamSearchURL:  cf.UpstreamSearchURL,
		UpstreamPlayerURL:  cf.UpstreamPlayerURL,
		Email:              cf.Email,
		Password:           cf.Password,
		Tiers:              cf.Tiers,
		ChunkSizeMB:        cf.ChunkSizeMB,
		WorkerThreads:      cf.WorkerThreads,
		UpstreamRatePerSec: cf.UpstreamRatePerSec,
		Proxies:            cf.Proxies,
		UserAgents:         cf.UserAgents,
		DatabasePath:       cf.DatabasePath,
		AdminBootstrapKey:  cf.AdminBootstrapKey,
		Debug:              cf.Debug,
		ObfuscateUrls:      cf.ObfuscateUrls,
	}

	for name, val := range map[string]struct {
		raw string
		dst *time.Duration
	}{
		"refreshInterval": {cf.RefreshInterval, &cfg.RefreshInterval},
		"safetyMargin":    {cf.SafetyMargin, &cfg.SafetyMargin},
		"maxBackoff":      {cf.MaxBackoff, &cfg.MaxBackoff},
		"ticketTTL":       {cf.TicketTTL, &cfg.TicketTTL},
		"resolveCacheTTL": {cf.ResolveCacheTTL, &cfg.ResolveCacheTTL},
	} {
		if val.raw == "" {
			continue
		}
		d, err := time.ParseDuration(val.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", name, err)
		}
		*val.dst = d
	}

	return cfg, nil
}

// applyEnvOverrides lets the credential pair and database location come from
// the environment, taking precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UPSTREAM_EMAIL"); v != "" {
		cfg.Email = v
	}
	if v := os.Getenv("UPSTREAM_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("PROXY_LIST"); v != "" {
		cfg.Proxies = strings.Split(v, ",")
	}
}

// getDefaultConfig returns the built-in configuration used when no config
// file is present.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:      "http://localhost:8080",
		ListenPort:   8080,
		UpstreamBase: "https://www.youtube.com",
	}
}

// validateAndSetDefaults ensures every field the rest of the application
// depends on has a usable value.
func validateAndSetDefaults(cfg *Config) {
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = 8080
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.ListenPort)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.UpstreamBase == "" {
		cfg.UpstreamBase = "https://www.youtube.com"
	}
	cfg.UpstreamBase = strings.TrimRight(cfg.UpstreamBase, "/")
	if cfg.UpstreamAuthURL == "" {
		cfg.UpstreamAuthURL = cfg.UpstreamBase + "/auth/exchange"
	}
	if cfg.UpstreamSearchURL == "" {
		cfg.UpstreamSearchURL = cfg.UpstreamBase + "/api/search"
	}
	if cfg.UpstreamPlayerURL == "" {
		cfg.UpstreamPlayerURL = cfg.UpstreamBase + "/api/player"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 12 * time.Hour
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 30 * time.Minute
	}
	if cfg.SafetyMargin >= cfg.RefreshInterval {
		cfg.SafetyMargin = cfg.RefreshInterval / 4
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Minute
	}
	if cfg.ChunkSizeMB <= 0 {
		cfg.ChunkSizeMB = 1
	}
	if cfg.TicketTTL <= 0 {
		cfg.TicketTTL = time.Hour
	}
	if cfg.ResolveCacheTTL <= 0 {
		cfg.ResolveCacheTTL = 10 * time.Minute
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 10
	}
	if cfg.UpstreamRatePerSec <= 0 {
		cfg.UpstreamRatePerSec = 2
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/data/gateway.db"
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultUserAgents
	}
	if cfg.Tiers == nil {
		cfg.Tiers = map[string]TierLimit{}
	}
	for name, tier := range defaultTiers {
		if _, ok := cfg.Tiers[name]; !ok {
			cfg.Tiers[name] = tier
		}
	}
}

// TierFor returns the limits for a tier name, falling back to the free tier
// for unknown names so a mistyped tier never grants unlimited access.
func (c *Config) TierFor(name string) TierLimit {
	if t, ok := c.Tiers[name]; ok {
		return t
	}
	return c.Tiers["free"]
}

// ChunkSize returns the streaming chunk size in bytes.
func (c *Config) ChunkSize() int64 {
	return c.ChunkSizeMB * 1024 * 1024
}

var defaultTiers = map[string]TierLimit{
	"free":      {PerMinute: 10, PerHour: 100, PerDay: 100},
	"standard":  {PerMinute: 30, PerHour: 500, PerDay: 1000},
	"premium":   {PerMinute: 100, PerHour: 2000, PerDay: 10000},
	"unlimited": {PerMinute: 0, PerHour: 0, PerDay: 0},
}

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}
