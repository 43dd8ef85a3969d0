package manager

import (
	"context"
	"sync/atomic"
	"time"

	"agentarena/balance"
	"agentarena/logger"
)

// SnapshotStore appends and prunes balance snapshots.
type SnapshotStore interface {
	AppendSnapshots(ctx context.Context, snaps []balance.Snapshot) error
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// Snapshotter appends one balance snapshot per agent on a short fixed interval,
// independent of the trading cycle.
type Snapshotter struct {
	agents    *AgentManager
	store     SnapshotStore
	interval  time.Duration
	retention time.Duration
	now       func() time.Time

	running   atomic.Bool
	lastPrune time.Time
}

// NewSnapshotter creates the driver. A zero retention disables pruning.
func NewSnapshotter(agents *AgentManager, store SnapshotStore, interval, retention time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Snapshotter{agents: agents, store: store, interval: interval, retention: retention, now: time.Now}
}

// Run appends snapshots on every tick until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				logger.For("snapshots").Warn().Err(err).Msg("⚠️  balance snapshot failed")
			}
		}
	}
}

// Tick writes one snapshot per agent and prunes expired rows at most once a minute.
// Overlapping ticks are dropped.
func (s *Snapshotter) Tick(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	defer s.running.Store(false)

	now := s.now()
	agents := s.agents.All()
	snaps := make([]balance.Snapshot, 0, len(agents))
	for _, a := range agents {
		snaps = append(snaps, a.Snapshot(now))
	}
	if err := s.store.AppendSnapshots(ctx, snaps); err != nil {
		return err
	}

	if s.retention > 0 && now.Sub(s.lastPrune) >= time.Minute {
		s.lastPrune = now
		n, err := s.store.PruneSnapshots(ctx, now.Add(-s.retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.For("snapshots").Debug().Int64("deleted", n).Msg("pruned balance snapshots")
		}
	}
	return nil
}
