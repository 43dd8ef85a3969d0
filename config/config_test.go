package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalJSON = `{
  "agents": [
    {"id": "alpha", "enabled": true, "provider": "deepseek", "api_key": "${ARENA_TEST_KEY}", "initial_balance": 1000}
  ]
}`

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv("ARENA_TEST_KEY", "sk-test")
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Parse([]byte(minimalJSON), ".json")
	require.NoError(t, err)

	a := cfg.Agents[0]
	assert.Equal(t, "sk-test", a.APIKey)
	assert.Equal(t, "alpha", a.Name)
	assert.Equal(t, "paper", a.Mode)

	assert.Equal(t, 0.70, cfg.Risk.ExposureCeiling)
	assert.Equal(t, []int{5, 8, 10, 12, 15, 20}, cfg.Risk.LeverageOptions)
	assert.Equal(t, 10, cfg.Risk.DefaultLeverage)
	assert.Equal(t, 2.0, cfg.Risk.StopLossPct)
	assert.Equal(t, 4.0, cfg.Risk.TakeProfitPct)
	assert.Equal(t, 0.8, cfg.Risk.SlowThreshold)
	assert.Equal(t, 0.5, cfg.Risk.ErrorThreshold)

	assert.Equal(t, 30*time.Second, cfg.CycleInterval())
	assert.Equal(t, time.Second, cfg.SnapshotInterval())
	assert.Equal(t, 24*time.Hour, cfg.SnapshotRetention())
	assert.Equal(t, 3*time.Second, cfg.PriceCacheTTL())
	assert.Equal(t, 5*time.Second, cfg.MarketTimeout())
	assert.Equal(t, 60*time.Second, cfg.DecisionTimeout())
	assert.Equal(t, 10*time.Second, cfg.ExchangeTimeout())
	assert.Equal(t, 5000*time.Millisecond, cfg.RecvWindow())
	assert.Equal(t, 4, cfg.Schedule.MaxConcurrentAgents)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/arena.db", cfg.Database.Path)
	assert.Equal(t, 8080, cfg.APIServerPort)
	assert.Equal(t, "binance", cfg.Market.Source)
	assert.Equal(t, DefaultInstruments, cfg.Instruments)
	assert.Len(t, cfg.EnabledAgents(), 1)
}

func TestParseTOMLAndEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/arena")
	t.Setenv("LOG_LEVEL", "debug")

	doc := `
instruments = ["btcusdt", " ethusdt "]

[risk]
exposure_ceiling = 0.5
leverage_options = [5, 10]
default_leverage = 5

[exchange]
base_url = "https://fapi.example.com"

[[agents]]
id = "alpha"
enabled = true
provider = "groq"
api_key = "k"
initial_balance = 500
mode = "live"
exchange_user = "0x1"
exchange_signer = "0x2"
exchange_private_key = "abc"

[[agents]]
id = "beta"
provider = "custom"
api_url = "https://llm.example.com/v1"
api_key = "k"
model = "m"
initial_balance = 100
`
	cfg, err := Parse([]byte(doc), ".toml")
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Instruments)
	assert.Equal(t, 0.5, cfg.Risk.ExposureCeiling)
	assert.Equal(t, 5, cfg.Risk.DefaultLeverage)
	assert.Equal(t, 9090, cfg.APIServerPort)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@db/arena", cfg.Database.URL)
	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "live", cfg.Agents[0].Mode)

	enabled := cfg.EnabledAgents()
	require.Len(t, enabled, 1)
	assert.Equal(t, "alpha", enabled[0].ID)
}

func TestValidateErrors(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")

	base := func() AgentConfig {
		return AgentConfig{ID: "alpha", Provider: "qwen", APIKey: "k", InitialBalance: 1000}
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no agents", Config{}, "at least one agent"},
		{"empty id", Config{Agents: []AgentConfig{{Provider: "qwen", APIKey: "k", InitialBalance: 1}}}, "agents[0]: id cannot be empty"},
		{"duplicate id", Config{Agents: []AgentConfig{base(), base()}}, "agents[1]: id 'alpha' is duplicated"},
		{"bad mode", Config{Agents: []AgentConfig{func() AgentConfig { a := base(); a.Mode = "sim"; return a }()}}, "mode must be"},
		{"zero balance", Config{Agents: []AgentConfig{func() AgentConfig { a := base(); a.InitialBalance = 0; return a }()}}, "initial_balance"},
		{"missing key", Config{Agents: []AgentConfig{func() AgentConfig { a := base(); a.APIKey = ""; return a }()}}, "api_key must be configured"},
		{"unknown provider", Config{Agents: []AgentConfig{func() AgentConfig { a := base(); a.Provider = "openai"; return a }()}}, "provider must be"},
		{"live without keys", Config{Agents: []AgentConfig{func() AgentConfig { a := base(); a.Mode = "live"; return a }()}}, "exchange_user"},
		{"ceiling above one", Config{Agents: []AgentConfig{base()}, Risk: RiskConfig{ExposureCeiling: 1.5}}, "exposure_ceiling"},
		{"default leverage not allowed", Config{Agents: []AgentConfig{base()}, Risk: RiskConfig{LeverageOptions: []int{5, 8}, DefaultLeverage: 10}}, "default_leverage"},
		{"bad driver", Config{Agents: []AgentConfig{base()}, Database: DatabaseConfig{Driver: "mysql"}}, "database.driver"},
		{"postgres without url", Config{Agents: []AgentConfig{base()}, Database: DatabaseConfig{Driver: "postgres"}}, "database.url"},
		{"exchange source without url", Config{Agents: []AgentConfig{base()}, Market: MarketConfig{Source: "exchange"}}, "base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadConfigAndEnv(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("ARENA_DOTENV_KEY=from-dotenv\n"), 0o600))
	require.NoError(t, LoadEnv(envFile, filepath.Join(dir, "missing.env")))
	t.Cleanup(func() { _ = os.Unsetenv("ARENA_DOTENV_KEY") })

	path := filepath.Join(dir, "config.json")
	body := `{"agents":[{"id":"a","enabled":true,"provider":"groq","api_key":"${ARENA_DOTENV_KEY}","initial_balance":10}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Agents[0].APIKey)

	_, err = LoadConfig(filepath.Join(dir, "nope.json"))
	require.Error(t, err)

	_, err = Parse([]byte("agents: []"), ".yaml")
	require.Error(t, err)
}
