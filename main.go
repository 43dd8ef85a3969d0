package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"agentarena/api"
	"agentarena/balance"
	"agentarena/config"
	"agentarena/decision"
	"agentarena/exchange"
	"agentarena/ledger"
	"agentarena/logger"
	"agentarena/manager"
	"agentarena/market"
	"agentarena/store"
	"agentarena/trader"
)

func main() {
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║           🤖 Multi-Agent AI Trading Arena                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Println()

	if err := run(); err != nil {
		log.Error().Err(err).Msg("❌ arena stopped with error")
		os.Exit(1)
	}
	fmt.Println()
	fmt.Println("👋 Arena stopped")
}

func run() error {
	if err := config.LoadEnv(); err != nil {
		return err
	}

	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("load configuration %s: %w", configFile, err)
	}
	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log.Info().Str("file", configFile).Int("agents", len(cfg.EnabledAgents())).Msg("📋 configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{Driver: cfg.Database.Driver, Path: cfg.Database.Path, DatabaseURL: cfg.Database.URL})
	if err != nil {
		return err
	}
	defer st.Close()

	exchangeCfg := exchange.ClientConfig{
		BaseURL:           cfg.Exchange.BaseURL,
		Timeout:           cfg.ExchangeTimeout(),
		QuantityPrecision: cfg.Exchange.QuantityPrecision,
		DefaultPrecision:  cfg.Exchange.DefaultPrecision,
	}

	var source market.Source
	switch cfg.Market.Source {
	case "exchange":
		source = exchange.NewClient(exchangeCfg, nil)
	default:
		source = market.NewBinanceSource(cfg.Market.APIKey, cfg.Market.SecretKey, cfg.Market.Testnet)
	}
	fetcher := market.NewFetcher(source, market.NewCache(cfg.PriceCacheTTL()), cfg.MarketTimeout(), cfg.Instruments)

	policy := decision.Policy{
		LeverageOptions: cfg.Risk.LeverageOptions,
		DefaultLeverage: cfg.Risk.DefaultLeverage,
		StopLossPct:     cfg.Risk.StopLossPct,
		TakeProfitPct:   cfg.Risk.TakeProfitPct,
		ExposureCeiling: cfg.Risk.ExposureCeiling,
	}

	agents := manager.NewAgentManager()
	deps := manager.AgentDeps{
		Policy:          policy,
		DecisionTimeout: cfg.DecisionTimeout(),
		Prices:          fetcher.Prices,
		Exchange:        exchangeCfg,
		RecvWindow:      cfg.RecvWindow(),
	}
	for i, agentCfg := range cfg.Agents {
		if !agentCfg.Enabled {
			log.Info().Msgf("⏭️  [%d/%d] skipping disabled agent: %s", i+1, len(cfg.Agents), agentCfg.Name)
			continue
		}
		log.Info().Msgf("📦 [%d/%d] initializing %s (%s, %s)...",
			i+1, len(cfg.Agents), agentCfg.Name, strings.ToUpper(agentCfg.Provider), agentCfg.Mode)
		if _, err := agents.AddAgent(agentCfg, deps); err != nil {
			return fmt.Errorf("initialize agent: %w", err)
		}
	}
	if agents.Len() == 0 {
		return errors.New("no enabled agents found, set enabled=true on at least one agent")
	}

	l := ledger.New(cfg.Risk.ExposureCeiling, st)
	if err := manager.Restore(ctx, st, l, agents.All()); err != nil {
		return err
	}

	pipeline := trader.NewPipeline(trader.Config{
		Policy:            policy,
		Instruments:       cfg.Instruments,
		QuantityPrecision: cfg.Exchange.QuantityPrecision,
		DefaultPrecision:  cfg.Exchange.DefaultPrecision,
		ExchangeTimeout:   cfg.ExchangeTimeout(),
		SlowThreshold:     cfg.Risk.SlowThreshold,
		ErrorThreshold:    cfg.Risk.ErrorThreshold,
	}, l, balance.NewReconciler(cfg.ExchangeTimeout()), st)

	scheduler := manager.NewScheduler(agents, pipeline, fetcher, st, manager.SchedulerOptions{
		Interval:      cfg.CycleInterval(),
		MaxConcurrent: cfg.Schedule.MaxConcurrentAgents,
	})
	snapshotter := manager.NewSnapshotter(agents, st, cfg.SnapshotInterval(), cfg.SnapshotRetention())
	server := api.NewServer(agents, scheduler, st, cfg.APIServerPort)

	fmt.Println()
	fmt.Println("🏁 Participants:")
	for _, a := range agents.All() {
		s := a.State()
		fmt.Printf("  • %s (%s) - Balance: %.2f USDT\n", s.Name, s.Mode, s.Balance)
	}
	fmt.Println()
	fmt.Printf("⚖️  Exposure ceiling %.0f%%, leverage %v, cycle every %s\n",
		cfg.Risk.ExposureCeiling*100, cfg.Risk.LeverageOptions, cfg.CycleInterval())
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(scheduler.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(snapshotter.Run(gctx)) })
	g.Go(func() error { return server.Start(gctx) })

	err = g.Wait()
	log.Info().Msg("📛 shutdown complete")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
