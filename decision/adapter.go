package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentarena/ledger"
	"agentarena/logger"
)

// Collaborator produces a raw JSON decision for a request.
type Collaborator interface {
	Propose(ctx context.Context, req Request) ([]byte, error)
}

// Adapter turns collaborator replies into validated decisions.
// Every failure collapses to SafeDefault alongside the cause.
type Adapter struct {
	collab  Collaborator
	policy  Policy
	gate    ExposureGate
	timeout time.Duration
}

// NewAdapter creates an adapter. A zero timeout leaves the caller's deadline in charge.
func NewAdapter(collab Collaborator, policy Policy, timeout time.Duration) *Adapter {
	return &Adapter{
		collab:  collab,
		policy:  policy,
		gate:    ExposureGate{Ceiling: policy.ExposureCeiling},
		timeout: timeout,
	}
}

// Policy returns the sizing policy the adapter validates against.
func (a *Adapter) Policy() Policy { return a.policy }

// Decide asks the collaborator and validates the answer. Opens on a held
// symbol fail with ledger.ErrDuplicateExposure; opens that breach the
// ceiling fail with ledger.ErrExposureExceeded.
func (a *Adapter) Decide(ctx context.Context, req Request) (Decision, error) {
	log := logger.For("decision")

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	raw, err := a.propose(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("decision timed out after %s: %w", a.timeout, err)
		}
		log.Warn().Str("agent", req.AgentID).Err(err).Msg("collaborator failed, falling back to none")
		return SafeDefault(), err
	}

	d, err := Parse(raw, req, a.policy)
	if err != nil {
		log.Warn().Str("agent", req.AgentID).Err(err).Bytes("reply", truncateBytes(raw, 300)).Msg("decision rejected")
		return SafeDefault(), err
	}

	if d.Action == ActionOpen {
		if req.Holds(d.Symbol) {
			return SafeDefault(), fmt.Errorf("%w: %s already open", ledger.ErrDuplicateExposure, d.Symbol)
		}
		if err := a.gate.Check(req.Balance, req.Exposure, d.Notional); err != nil {
			return SafeDefault(), err
		}
	}

	log.Debug().Str("agent", req.AgentID).Str("action", string(d.Action)).Str("symbol", d.Symbol).
		Float64("confidence", d.Confidence).Msg("decision accepted")
	return d, nil
}

// propose guards against collaborators that ignore ctx or panic.
func (a *Adapter) propose(ctx context.Context, req Request) ([]byte, error) {
	type result struct {
		raw []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("collaborator panic: %v", r)}
			}
		}()
		raw, err := a.collab.Propose(ctx, req)
		done <- result{raw: raw, err: err}
	}()

	select {
	case res := <-done:
		return res.raw, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
