package manager

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentarena/balance"
	"agentarena/config"
	"agentarena/decision"
	"agentarena/exchange"
	"agentarena/mcp"
)

func testDeps() AgentDeps {
	return AgentDeps{
		Policy:          decision.Policy{LeverageOptions: []int{5, 10}, DefaultLeverage: 10, StopLossPct: 2, TakeProfitPct: 4, ExposureCeiling: 0.7},
		DecisionTimeout: time.Second,
		Prices:          fixedPrices().Prices,
		Exchange:        exchange.ClientConfig{BaseURL: "https://fapi.example.com"},
		RecvWindow:      5 * time.Second,
	}
}

func TestAddAgentPaper(t *testing.T) {
	m := NewAgentManager()
	a, err := m.AddAgent(config.AgentConfig{
		ID: "alpha", Name: "Alpha", Mode: "paper", Provider: "deepseek", APIKey: "k", InitialBalance: 1000,
	}, testDeps())
	require.NoError(t, err)
	assert.Equal(t, balance.ModePaper, a.Mode())
	assert.Empty(t, a.State().Wallet)
	assert.Equal(t, 1, m.Len())

	_, err = m.AddAgent(config.AgentConfig{
		ID: "alpha", Mode: "paper", Provider: "groq", APIKey: "k", InitialBalance: 1000,
	}, testDeps())
	require.Error(t, err)
}

func TestAddAgentLive(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	user := "0x00000000000000000000000000000000000000aa"

	m := NewAgentManager()
	a, err := m.AddAgent(config.AgentConfig{
		ID: "live", Mode: "live", Provider: "qwen", APIKey: "k", InitialBalance: 500,
		ExchangeUser: user, ExchangePrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}, testDeps())
	require.NoError(t, err)
	assert.Equal(t, balance.ModeLive, a.Mode())
	assert.True(t, strings.EqualFold(user, a.State().Wallet))

	_, err = m.AddAgent(config.AgentConfig{
		ID: "bad", Mode: "live", Provider: "qwen", APIKey: "k", InitialBalance: 500,
		ExchangeUser: user, ExchangePrivateKey: "not-hex",
	}, testDeps())
	require.ErrorIs(t, err, exchange.ErrAuthenticationFailed)
}

func TestNewChatClient(t *testing.T) {
	c, err := newChatClient(config.AgentConfig{Provider: "custom", APIURL: "https://llm.example.com/v1/chat/completions#", APIKey: "k", Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, mcp.ProviderCustom, c.Provider)
	assert.True(t, c.UseFullURL)

	c, err = newChatClient(config.AgentConfig{Provider: "deepseek", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "deepseek-chat", c.Model)

	_, err = newChatClient(config.AgentConfig{Provider: "openai"})
	require.Error(t, err)
}
