package manager

import (
	"fmt"
	"time"

	"agentarena/balance"
	"agentarena/config"
	"agentarena/decision"
	"agentarena/exchange"
	"agentarena/logger"
	"agentarena/mcp"
	"agentarena/trader"
)

// AgentDeps are the shared collaborators every configured agent is built from.
type AgentDeps struct {
	Policy          decision.Policy
	DecisionTimeout time.Duration
	Prices          exchange.PriceFunc // paper fills
	Exchange        exchange.ClientConfig
	RecvWindow      time.Duration
}

// AddAgent builds an agent from its configuration and registers it.
func (m *AgentManager) AddAgent(cfg config.AgentConfig, deps AgentDeps) (*trader.Agent, error) {
	chat, err := newChatClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", cfg.ID, err)
	}
	decider := decision.NewAdapter(decision.NewLLMCollaborator(chat), deps.Policy, deps.DecisionTimeout)

	agentCfg := trader.AgentConfig{
		ID:             cfg.ID,
		Name:           cfg.Name,
		Strategy:       cfg.Strategy,
		Prompt:         cfg.Prompt,
		Mode:           balance.Mode(cfg.Mode),
		InitialBalance: cfg.InitialBalance,
	}

	var (
		orders  exchange.OrderPlacer
		account exchange.AccountReader
	)
	switch agentCfg.Mode {
	case balance.ModeLive:
		signer, err := exchange.NewSigner(cfg.ExchangeUser, cfg.ExchangeSigner, cfg.ExchangePrivateKey, deps.RecvWindow)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.ID, err)
		}
		client := exchange.NewClient(deps.Exchange, signer)
		orders, account = client, client
		agentCfg.Wallet = signer.User().Hex()
	default:
		orders = exchange.NewPaperClient(deps.Prices)
	}

	agent, err := trader.NewAgent(agentCfg, decider, orders, account)
	if err != nil {
		return nil, err
	}
	if err := m.Add(agent); err != nil {
		return nil, err
	}

	logger.For("manager").Info().
		Str("agent", agent.ID()).
		Str("mode", string(agentCfg.Mode)).
		Str("provider", cfg.Provider).
		Float64("initial_balance", cfg.InitialBalance).
		Msg("✓ agent added")
	return agent, nil
}

func newChatClient(cfg config.AgentConfig) (*mcp.Client, error) {
	c := mcp.New()
	switch cfg.Provider {
	case "deepseek":
		c.SetDeepSeekAPIKey(cfg.APIKey, cfg.Model)
	case "qwen":
		c.SetQwenAPIKey(cfg.APIKey, cfg.Model)
	case "groq":
		c.SetGroqAPIKey(cfg.APIKey, cfg.Model)
	case "custom":
		c.SetCustomAPI(cfg.APIURL, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown decision provider %q", cfg.Provider)
	}
	return c, nil
}
