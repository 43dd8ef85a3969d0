package manager

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"agentarena/logger"
	"agentarena/trader"
)

// PriceSource supplies the per-cycle market snapshot.
type PriceSource interface {
	Prices(ctx context.Context) (map[string]float64, error)
}

// CycleRecorder persists cycle summaries.
type CycleRecorder interface {
	SaveCycle(ctx context.Context, c trader.CycleSummary) error
}

// SchedulerOptions tunes the cycle driver.
type SchedulerOptions struct {
	Interval      time.Duration
	MaxConcurrent int
	OnSummary     func(trader.CycleSummary)
}

// Scheduler runs one trading cycle at a time across all agents. A tick that
// arrives while a cycle is still running is skipped, not queued.
type Scheduler struct {
	agents   *AgentManager
	pipeline *trader.Pipeline
	prices   PriceSource
	recorder CycleRecorder
	opts     SchedulerOptions

	running atomic.Bool
	cycles  atomic.Int64

	mu   sync.RWMutex
	last *trader.CycleSummary
}

// NewScheduler creates a scheduler. recorder may be nil.
func NewScheduler(agents *AgentManager, pipeline *trader.Pipeline, prices PriceSource, recorder CycleRecorder, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Scheduler{agents: agents, pipeline: pipeline, prices: prices, recorder: recorder, opts: opts}
}

// Run triggers a cycle immediately and then on every interval until ctx is done.
// It waits for the in-flight cycle before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	log := logger.For("scheduler")
	log.Info().Dur("interval", s.opts.Interval).Int("agents", s.agents.Len()).Msg("🚀 cycle scheduler started")

	var wg sync.WaitGroup
	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunCycle(ctx)
		}()
	}

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	tick()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info().Msg("⏹  cycle scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			tick()
		}
	}
}

// RunCycle executes one cycle and returns its summary. If another cycle is in
// progress it returns immediately with Skipped set.
func (s *Scheduler) RunCycle(ctx context.Context) trader.CycleSummary {
	log := logger.For("scheduler")
	summary := trader.CycleSummary{CycleID: uuid.NewString(), StartedAt: time.Now()}

	if !s.running.CompareAndSwap(false, true) {
		summary.Skipped = true
		log.Warn().Str("cycle", summary.CycleID).Msg("⏭  previous cycle still running, skipping tick")
		s.emit(ctx, summary)
		return summary
	}
	defer s.running.Store(false)

	n := s.cycles.Add(1)
	log.Info().Str("cycle", summary.CycleID).Int64("number", n).Msg("⏰ trading cycle started")

	prices, err := s.prices.Prices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️  market data unavailable, agents will not trade this cycle")
		prices = nil
	}
	summary.PricesAvailable = err == nil

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.MaxConcurrent)
	for _, agent := range s.agents.All() {
		g.Go(func() error {
			res := s.turn(ctx, agent, prices)
			mu.Lock()
			summary.Add(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(summary.StartedAt)
	log.Info().
		Str("cycle", summary.CycleID).
		Int("agents", summary.AgentsProcessed).
		Int("opened", summary.TradesOpened).
		Int("closed", summary.TradesClosed).
		Int("skips", len(summary.Skips)).
		Int("failures", len(summary.Failures)).
		Dur("duration", summary.Duration).
		Msg("✅ trading cycle complete")
	s.emit(ctx, summary)
	return summary
}

// turn isolates one agent: a panic becomes a structured failure.
func (s *Scheduler) turn(ctx context.Context, agent *trader.Agent, prices map[string]float64) (res trader.TurnResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.For("scheduler").Error().Str("agent", agent.ID()).Interface("panic", r).
				Str("stack", string(debug.Stack())).Msg("🚨 PANIC in agent turn")
			res = trader.TurnResult{
				AgentID:  agent.ID(),
				Failures: []trader.AgentFailure{{AgentID: agent.ID(), Step: trader.StepPanic, Err: fmt.Sprint(r)}},
			}
		}
	}()
	return s.pipeline.Turn(ctx, agent, prices)
}

func (s *Scheduler) emit(ctx context.Context, summary trader.CycleSummary) {
	if !summary.Skipped {
		s.mu.Lock()
		last := summary
		s.last = &last
		s.mu.Unlock()
	}
	if s.recorder != nil {
		// Persist even if the run context was cancelled mid-cycle.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.recorder.SaveCycle(rctx, summary); err != nil {
			logger.For("scheduler").Warn().Err(err).Str("cycle", summary.CycleID).Msg("⚠️  failed to record cycle")
		}
		cancel()
	}
	if s.opts.OnSummary != nil {
		s.opts.OnSummary(summary)
	}
}

// Last returns the most recent completed cycle.
func (s *Scheduler) Last() (trader.CycleSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return trader.CycleSummary{}, false
	}
	return *s.last, true
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}
