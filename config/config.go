package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// AgentConfig configuration for a single agent
type AgentConfig struct {
	ID       string `json:"id" toml:"id"`
	Name     string `json:"name" toml:"name"`
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Strategy string `json:"strategy" toml:"strategy"`
	Prompt   string `json:"prompt,omitempty" toml:"prompt"` // appended to the system prompt

	Mode           string  `json:"mode" toml:"mode"` // "paper" or "live"
	InitialBalance float64 `json:"initial_balance" toml:"initial_balance"`

	// Decision provider (any OpenAI-format API)
	Provider string `json:"provider" toml:"provider"` // "deepseek", "qwen", "groq" or "custom"
	APIKey   string `json:"api_key,omitempty" toml:"api_key"`
	Model    string `json:"model,omitempty" toml:"model"`
	APIURL   string `json:"api_url,omitempty" toml:"api_url"` // custom only

	// Exchange credentials, live mode only
	ExchangeUser       string `json:"exchange_user,omitempty" toml:"exchange_user"`               // main wallet address
	ExchangeSigner     string `json:"exchange_signer,omitempty" toml:"exchange_signer"`           // API wallet address, derived from the key when empty
	ExchangePrivateKey string `json:"exchange_private_key,omitempty" toml:"exchange_private_key"` // API wallet private key
}

// RiskConfig bounds what a decision may ask for.
type RiskConfig struct {
	ExposureCeiling float64 `json:"exposure_ceiling" toml:"exposure_ceiling"` // fraction of balance
	LeverageOptions []int   `json:"leverage_options" toml:"leverage_options"`
	DefaultLeverage int     `json:"default_leverage" toml:"default_leverage"`
	StopLossPct     float64 `json:"stop_loss_pct" toml:"stop_loss_pct"`
	TakeProfitPct   float64 `json:"take_profit_pct" toml:"take_profit_pct"`
	SlowThreshold   float64 `json:"slow_threshold" toml:"slow_threshold"`   // balance/initial below this shows slow
	ErrorThreshold  float64 `json:"error_threshold" toml:"error_threshold"` // balance/initial below this shows error
}

// ScheduleConfig timing of the cycle and snapshot drivers.
type ScheduleConfig struct {
	CycleIntervalSeconds   int `json:"cycle_interval_seconds" toml:"cycle_interval_seconds"`
	SnapshotIntervalMs     int `json:"snapshot_interval_ms" toml:"snapshot_interval_ms"`
	SnapshotRetentionHours int `json:"snapshot_retention_hours" toml:"snapshot_retention_hours"`
	MaxConcurrentAgents    int `json:"max_concurrent_agents" toml:"max_concurrent_agents"`
}

// MarketConfig where prices come from.
type MarketConfig struct {
	Source         string `json:"source" toml:"source"` // "binance" or "exchange"
	Testnet        bool   `json:"testnet,omitempty" toml:"testnet"`
	APIKey         string `json:"api_key,omitempty" toml:"api_key"`
	SecretKey      string `json:"secret_key,omitempty" toml:"secret_key"`
	CacheTTLMs     int    `json:"cache_ttl_ms" toml:"cache_ttl_ms"`
	TimeoutSeconds int    `json:"timeout_seconds" toml:"timeout_seconds"`
}

// ExchangeConfig the signed order endpoint shared by live agents.
type ExchangeConfig struct {
	BaseURL           string           `json:"base_url" toml:"base_url"`
	RecvWindowMs      int              `json:"recv_window_ms" toml:"recv_window_ms"`
	TimeoutSeconds    int              `json:"timeout_seconds" toml:"timeout_seconds"`
	QuantityPrecision map[string]int32 `json:"quantity_precision,omitempty" toml:"quantity_precision"`
	DefaultPrecision  int32            `json:"default_precision" toml:"default_precision"`
}

// DatabaseConfig storage backend.
type DatabaseConfig struct {
	Driver string `json:"driver" toml:"driver"` // "sqlite" or "postgres"
	Path   string `json:"path,omitempty" toml:"path"`
	URL    string `json:"url,omitempty" toml:"url"`
}

// Config main configuration
type Config struct {
	Agents                 []AgentConfig  `json:"agents" toml:"agents"`
	Instruments            []string       `json:"instruments" toml:"instruments"`
	APIServerPort          int            `json:"api_server_port" toml:"api_server_port"`
	DecisionTimeoutSeconds int            `json:"decision_timeout_seconds" toml:"decision_timeout_seconds"`
	LogLevel               string         `json:"log_level" toml:"log_level"`
	LogPretty              bool           `json:"log_pretty" toml:"log_pretty"`
	Risk                   RiskConfig     `json:"risk" toml:"risk"`
	Schedule               ScheduleConfig `json:"schedule" toml:"schedule"`
	Market                 MarketConfig   `json:"market" toml:"market"`
	Exchange               ExchangeConfig `json:"exchange" toml:"exchange"`
	Database               DatabaseConfig `json:"database" toml:"database"`
}

// DefaultInstruments is used when no instruments are configured.
var DefaultInstruments = []string{
	"BTCUSDT",
	"ETHUSDT",
	"SOLUSDT",
	"BNBUSDT",
	"XRPUSDT",
	"DOGEUSDT",
}

// LoadEnv loads .env files when present. Missing files are not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LoadConfig loads configuration from a .json or .toml file. ${VAR} references
// are expanded from the environment before parsing.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data, filepath.Ext(filename))
}

// Parse decodes, applies env overrides and validates. ext selects the format.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".json", "":
		if err := json.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.APIServerPort = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
		if c.Database.Driver == "" || c.Database.Driver == "sqlite" {
			c.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	ids := make(map[string]bool)
	for i := range c.Agents {
		a := &c.Agents[i]
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id cannot be empty", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("agents[%d]: id '%s' is duplicated", i, a.ID)
		}
		ids[a.ID] = true

		if a.Name == "" {
			a.Name = a.ID
		}
		if a.Mode == "" {
			a.Mode = "paper"
		}
		if a.Mode != "paper" && a.Mode != "live" {
			return fmt.Errorf("agents[%d]: mode must be 'paper' or 'live'", i)
		}
		if a.InitialBalance <= 0 {
			return fmt.Errorf("agents[%d]: initial_balance must be greater than 0", i)
		}

		switch a.Provider {
		case "deepseek", "qwen", "groq":
			if a.APIKey == "" {
				return fmt.Errorf("agents[%d]: api_key must be configured when using %s", i, a.Provider)
			}
		case "custom":
			if a.APIURL == "" || a.APIKey == "" || a.Model == "" {
				return fmt.Errorf("agents[%d]: api_url, api_key and model must be configured when using a custom provider", i)
			}
		default:
			return fmt.Errorf("agents[%d]: provider must be 'deepseek', 'qwen', 'groq' or 'custom'", i)
		}

		if a.Mode == "live" {
			if a.ExchangeUser == "" || a.ExchangePrivateKey == "" {
				return fmt.Errorf("agents[%d]: exchange_user and exchange_private_key must be configured in live mode", i)
			}
			if c.Exchange.BaseURL == "" {
				return fmt.Errorf("agents[%d]: exchange.base_url must be configured in live mode", i)
			}
		}
	}

	if len(c.Instruments) == 0 {
		c.Instruments = append([]string(nil), DefaultInstruments...)
	}
	for i, s := range c.Instruments {
		c.Instruments[i] = strings.ToUpper(strings.TrimSpace(s))
	}

	if c.APIServerPort <= 0 {
		c.APIServerPort = 8080
	}
	if c.DecisionTimeoutSeconds <= 0 {
		c.DecisionTimeoutSeconds = 60
	}

	if err := c.Risk.validate(); err != nil {
		return err
	}
	c.Schedule.defaults()

	if c.Market.Source == "" {
		c.Market.Source = "binance"
	}
	if c.Market.Source != "binance" && c.Market.Source != "exchange" {
		return fmt.Errorf("market.source must be 'binance' or 'exchange'")
	}
	if c.Market.Source == "exchange" && c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url must be configured when market.source is 'exchange'")
	}
	if c.Market.CacheTTLMs <= 0 {
		c.Market.CacheTTLMs = 3000
	}
	if c.Market.TimeoutSeconds <= 0 {
		c.Market.TimeoutSeconds = 5
	}

	if c.Exchange.RecvWindowMs <= 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		c.Exchange.TimeoutSeconds = 10
	}
	if c.Exchange.DefaultPrecision <= 0 {
		c.Exchange.DefaultPrecision = 3
	}

	switch c.Database.Driver {
	case "", "sqlite":
		c.Database.Driver = "sqlite"
		if c.Database.Path == "" {
			c.Database.Path = "data/arena.db"
		}
	case "postgres", "supabase":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url must be configured for %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'postgres'")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.ExposureCeiling == 0 {
		r.ExposureCeiling = 0.70
	}
	if r.ExposureCeiling <= 0 || r.ExposureCeiling > 1 {
		return fmt.Errorf("risk.exposure_ceiling must be in (0, 1]")
	}
	if len(r.LeverageOptions) == 0 {
		r.LeverageOptions = []int{5, 8, 10, 12, 15, 20}
	}
	for i, lev := range r.LeverageOptions {
		if lev <= 0 {
			return fmt.Errorf("risk.leverage_options[%d]: leverage must be positive", i)
		}
	}
	if r.DefaultLeverage <= 0 {
		r.DefaultLeverage = 10
	}
	found := false
	for _, lev := range r.LeverageOptions {
		if lev == r.DefaultLeverage {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("risk.default_leverage %d is not one of leverage_options", r.DefaultLeverage)
	}
	if r.StopLossPct <= 0 {
		r.StopLossPct = 2
	}
	if r.TakeProfitPct <= 0 {
		r.TakeProfitPct = 4
	}
	if r.SlowThreshold <= 0 {
		r.SlowThreshold = 0.8
	}
	if r.ErrorThreshold <= 0 {
		r.ErrorThreshold = 0.5
	}
	if r.ErrorThreshold > r.SlowThreshold {
		return fmt.Errorf("risk.error_threshold must not exceed slow_threshold")
	}
	return nil
}

func (s *ScheduleConfig) defaults() {
	if s.CycleIntervalSeconds <= 0 {
		s.CycleIntervalSeconds = 30
	}
	if s.SnapshotIntervalMs <= 0 {
		s.SnapshotIntervalMs = 1000
	}
	if s.SnapshotRetentionHours <= 0 {
		s.SnapshotRetentionHours = 24
	}
	if s.MaxConcurrentAgents <= 0 {
		s.MaxConcurrentAgents = 4
	}
}

// EnabledAgents returns the agents that should run.
func (c *Config) EnabledAgents() []AgentConfig {
	var out []AgentConfig
	for _, a := range c.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// CycleInterval gets the trading cycle interval
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.Schedule.CycleIntervalSeconds) * time.Second
}

// SnapshotInterval gets the balance snapshot interval
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Schedule.SnapshotIntervalMs) * time.Millisecond
}

// SnapshotRetention gets how long balance snapshots are kept
func (c *Config) SnapshotRetention() time.Duration {
	return time.Duration(c.Schedule.SnapshotRetentionHours) * time.Hour
}

// DecisionTimeout gets the per-call decision deadline
func (c *Config) DecisionTimeout() time.Duration {
	return time.Duration(c.DecisionTimeoutSeconds) * time.Second
}

// PriceCacheTTL gets the market snapshot cache lifetime
func (c *Config) PriceCacheTTL() time.Duration {
	return time.Duration(c.Market.CacheTTLMs) * time.Millisecond
}

// MarketTimeout gets the market fetch deadline
func (c *Config) MarketTimeout() time.Duration {
	return time.Duration(c.Market.TimeoutSeconds) * time.Second
}

// ExchangeTimeout gets the exchange call deadline
func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.Exchange.TimeoutSeconds) * time.Second
}

// RecvWindow gets the signed request validity window
func (c *Config) RecvWindow() time.Duration {
	return time.Duration(c.Exchange.RecvWindowMs) * time.Millisecond
}
