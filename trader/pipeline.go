package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"agentarena/balance"
	"agentarena/decision"
	"agentarena/exchange"
	"agentarena/ledger"
	"agentarena/logger"
)

// AgentStore persists agent state after each turn.
type AgentStore interface {
	SaveAgent(ctx context.Context, state AgentState) error
}

// Config tunes order execution and status thresholds.
type Config struct {
	Policy            decision.Policy
	Instruments       []string
	QuantityPrecision map[string]int32
	DefaultPrecision  int32
	ExchangeTimeout   time.Duration
	FillPollInterval  time.Duration
	FillPollAttempts  int
	SlowThreshold     float64 // balance/initial below this marks the agent slow
	ErrorThreshold    float64 // balance/initial below this marks the agent error
}

// Pipeline runs one agent's turn: sync, exits, mark, decide, execute, reconcile.
type Pipeline struct {
	cfg        Config
	ledger     *ledger.Ledger
	reconciler *balance.Reconciler
	store      AgentStore
	now        func() time.Time
}

// NewPipeline wires the ledger, reconciler and optional agent store.
func NewPipeline(cfg Config, l *ledger.Ledger, r *balance.Reconciler, store AgentStore) *Pipeline {
	if cfg.FillPollAttempts <= 0 {
		cfg.FillPollAttempts = 5
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 500 * time.Millisecond
	}
	if cfg.DefaultPrecision <= 0 {
		cfg.DefaultPrecision = 3
	}
	return &Pipeline{cfg: cfg, ledger: l, reconciler: r, store: store, now: time.Now}
}

// Ledger exposes the position ledger the pipeline writes to.
func (p *Pipeline) Ledger() *ledger.Ledger {
	return p.ledger
}

// Turn processes one agent against a price snapshot. prices may be empty when
// market data is unavailable, in which case no decision is requested.
// Failures are recorded in the result; Turn never returns an error.
func (p *Pipeline) Turn(ctx context.Context, agent *Agent, prices map[string]float64) TurnResult {
	id := agent.ID()
	log := logger.For("trader").With().Str("agent", id).Logger()
	res := TurnResult{AgentID: id, Decision: decision.SafeDefault()}

	// Exchange-side closes and stop/target hits are applied before the agent sees its book.
	synced := true
	if agent.Mode() == balance.ModeLive {
		n, err := p.syncExchange(ctx, agent, prices)
		res.Closed += n
		if err != nil {
			synced = false
			res.fail(StepSync, err)
			log.Warn().Err(err).Msg("⚠️  exchange position sync failed")
		}
	} else {
		n, errs := p.autoExits(ctx, agent, prices)
		res.Closed += n
		for _, err := range errs {
			res.fail(StepExits, err)
			log.Warn().Err(err).Msg("⚠️  automatic exit failed")
		}
	}

	if err := p.ledger.Mark(ctx, id, prices); err != nil {
		res.fail(StepMark, err)
	}

	actionFailed := false
	switch {
	case len(prices) == 0:
		log.Warn().Msg("⏸  no market data, skipping decision")
	case !synced:
		log.Warn().Msg("⏸  exchange positions unknown, skipping decision")
	default:
		req := decision.BuildRequest(agent.view(), p.ledger.OpenPositions(id), prices, p.cfg.Instruments, p.cfg.Policy, p.now())
		d, err := agent.decider.Decide(ctx, req)
		res.Decision = d
		switch {
		case err == nil:
			opened, closed, err := p.execute(ctx, agent, d, prices, &res)
			res.Opened += opened
			res.Closed += closed
			if err != nil {
				actionFailed = p.record(&res, StepExecute, d.Symbol, err)
			}
		default:
			actionFailed = p.record(&res, StepDecide, d.Symbol, err)
		}
	}

	state := agent.State()
	if actionFailed && res.Closed == 0 {
		// Balance keeps its last value when the turn fell back to no action.
		res.Balance = state.Balance
		p.persist(ctx, agent.setLastError(lastFailure(res), p.now()), &res)
		return res
	}

	in := balance.Input{
		Mode:        state.Mode,
		Initial:     state.InitialBalance,
		LastBalance: state.Balance,
		Trades:      p.ledger.Trades(id),
		Open:        p.ledger.OpenPositions(id),
		Prices:      withMarks(prices, p.ledger.OpenPositions(id)),
	}
	if agent.account != nil {
		in.Account = agent.account
	}
	result, err := p.reconciler.Reconcile(ctx, in)
	if err != nil {
		res.fail(StepReconcile, err)
		log.Warn().Err(err).Float64("balance", result.Balance).Msg("⚠️  balance reconcile failed")
	}

	status := classify(result.Balance, state.InitialBalance, p.cfg.SlowThreshold, p.cfg.ErrorThreshold)
	agent.apply(result, status, p.now())
	res.Balance = result.Balance
	p.persist(ctx, agent.setLastError(lastFailure(res), p.now()), &res)

	log.Info().
		Str("action", string(res.Decision.Action)).
		Str("symbol", res.Decision.Symbol).
		Int("opened", res.Opened).
		Int("closed", res.Closed).
		Float64("balance", result.Balance).
		Float64("pnl_pct", result.PnLPercent).
		Str("status", string(status)).
		Msg("📊 turn complete")
	return res
}

// record classifies err as an invariant skip or a failure. It reports whether
// the turn should fall back to no action.
func (p *Pipeline) record(res *TurnResult, step Step, symbol string, err error) bool {
	if isInvariant(err) {
		res.skip(symbol, err)
		logger.For("trader").Info().Str("agent", res.AgentID).Str("symbol", symbol).Err(err).Msg("⏭  action skipped")
		return false
	}
	res.fail(step, err)
	logger.For("trader").Warn().Str("agent", res.AgentID).Str("step", string(step)).Err(err).Msg("❌ turn step failed")
	return true
}

func isInvariant(err error) bool {
	return errors.Is(err, ledger.ErrDuplicateExposure) ||
		errors.Is(err, ledger.ErrExposureExceeded) ||
		errors.Is(err, ledger.ErrPositionAlreadyClosed)
}

func (p *Pipeline) persist(ctx context.Context, state AgentState, res *TurnResult) {
	if p.store == nil {
		return
	}
	if err := p.store.SaveAgent(ctx, state); err != nil {
		res.fail(StepPersist, err)
	}
}

func (p *Pipeline) execute(ctx context.Context, agent *Agent, d decision.Decision, prices map[string]float64, res *TurnResult) (opened, closed int, err error) {
	switch d.Action {
	case decision.ActionClose:
		pos, ok := p.ledger.Position(agent.ID(), d.Symbol)
		if !ok {
			return 0, 0, fmt.Errorf("%w: no open %s position", ledger.ErrPositionNotFound, d.Symbol)
		}
		if err := p.closePosition(ctx, agent, pos, prices[d.Symbol], ledger.ExitDecision); err != nil {
			return 0, 0, err
		}
		return 0, 1, nil
	case decision.ActionOpen:
		if err := p.openPosition(ctx, agent, d, prices[d.Symbol], res); err != nil {
			return 0, 0, err
		}
		return 1, 0, nil
	}
	return 0, 0, nil
}

func (p *Pipeline) openPosition(ctx context.Context, agent *Agent, d decision.Decision, price float64, res *TurnResult) error {
	id := agent.ID()
	bal := agent.State().Balance
	if err := p.ledger.CheckOpen(id, bal, d.Symbol, d.Notional); err != nil {
		return err
	}
	if price <= 0 {
		return fmt.Errorf("%w: no price for %s", exchange.ErrInvalidOrder, d.Symbol)
	}

	precision := p.precision(d.Symbol)
	qty, _ := strconv.ParseFloat(exchange.FormatQuantity(d.Notional/price, precision), 64)
	if qty <= 0 {
		return fmt.Errorf("%w: %.2f notional rounds to zero quantity for %s", exchange.ErrInvalidOrder, d.Notional, d.Symbol)
	}

	side := exchange.SideBuy
	if d.Direction == ledger.Short {
		side = exchange.SideSell
	}
	fill, err := p.submit(ctx, agent, exchange.OrderRequest{
		Symbol:        d.Symbol,
		Side:          side,
		Type:          exchange.OrderMarket,
		Quantity:      qty,
		ClientOrderID: newClientOrderID(),
	})
	if err != nil {
		return err
	}

	entry := fill.AvgPrice
	if entry <= 0 {
		entry = price
	}
	pos, err := p.ledger.Open(ctx, id, bal, ledger.OpenParams{
		Symbol:     d.Symbol,
		Direction:  d.Direction,
		EntryPrice: entry,
		Quantity:   fill.ExecutedQty,
		Notional:   fill.ExecutedQty * entry,
		Leverage:   d.Leverage,
		StopLoss:   d.StopLoss,
		TakeProfit: d.TakeProfit,
		Rationale:  d.Rationale,
	})
	if err != nil {
		p.unwind(ctx, agent, d.Symbol, side, fill.ExecutedQty)
		return err
	}

	logger.For("trader").Info().Str("agent", id).Str("symbol", pos.Symbol).Str("direction", string(pos.Direction)).
		Float64("entry", pos.EntryPrice).Float64("notional", pos.Notional).Int("leverage", pos.Leverage).
		Msg("✅ position opened")

	if agent.Mode() == balance.ModeLive {
		if err := p.protect(ctx, agent, pos); err != nil {
			res.fail(StepProtect, err)
		}
	}
	return nil
}

// protect places exchange-native reduce-only stop and target orders.
func (p *Pipeline) protect(ctx context.Context, agent *Agent, pos ledger.Position) error {
	exit := exchange.SideSell
	if pos.Direction == ledger.Short {
		exit = exchange.SideBuy
	}

	var stopID, takeID string
	var errs []error
	if pos.StopLoss > 0 {
		r, err := p.place(ctx, agent, exchange.OrderRequest{
			Symbol: pos.Symbol, Side: exit, Type: exchange.OrderStopMarket,
			Quantity: pos.Quantity, StopPrice: pos.StopLoss, ReduceOnly: true, ClientOrderID: newClientOrderID(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("stop loss for %s: %w", pos.Symbol, err))
		} else {
			stopID = r.OrderID
		}
	}
	if pos.TakeProfit > 0 {
		r, err := p.place(ctx, agent, exchange.OrderRequest{
			Symbol: pos.Symbol, Side: exit, Type: exchange.OrderTakeProfitMarket,
			Quantity: pos.Quantity, StopPrice: pos.TakeProfit, ReduceOnly: true, ClientOrderID: newClientOrderID(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("take profit for %s: %w", pos.Symbol, err))
		} else {
			takeID = r.OrderID
		}
	}
	if stopID != "" || takeID != "" {
		if err := p.ledger.SetProtectiveOrders(ctx, agent.ID(), pos.ID, stopID, takeID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// closePosition submits the opposite-side reduce-only order and realises PnL.
func (p *Pipeline) closePosition(ctx context.Context, agent *Agent, pos ledger.Position, price float64, reason ledger.ExitReason) error {
	side := exchange.SideSell
	if pos.Direction == ledger.Short {
		side = exchange.SideBuy
	}
	fill, err := p.submit(ctx, agent, exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Type:          exchange.OrderMarket,
		Quantity:      pos.Quantity,
		ReduceOnly:    true,
		ClientOrderID: newClientOrderID(),
	})
	if err != nil {
		return err
	}

	exit := fill.AvgPrice
	if exit <= 0 {
		exit = price
	}
	if exit <= 0 {
		exit = pos.CurrentPrice
	}

	if agent.Mode() == balance.ModeLive {
		p.cancelProtective(ctx, agent, pos)
	}

	closed, _, err := p.ledger.Close(ctx, agent.ID(), pos.ID, exit, reason)
	if err != nil {
		return err
	}
	logger.For("trader").Info().Str("agent", agent.ID()).Str("symbol", closed.Symbol).Str("reason", string(reason)).
		Float64("exit", exit).Float64("pnl", closed.PnL).Float64("pnl_pct", closed.PnLPercent).
		Msg("🔒 position closed")
	return nil
}

// autoExits closes paper positions whose stop or target the snapshot has crossed.
func (p *Pipeline) autoExits(ctx context.Context, agent *Agent, prices map[string]float64) (int, []error) {
	closed := 0
	var errs []error
	for _, pos := range p.ledger.OpenPositions(agent.ID()) {
		price, ok := prices[pos.Symbol]
		if !ok {
			continue
		}
		reason := ledger.EvaluateExit(&pos, price)
		if reason == ledger.ExitNone {
			continue
		}
		if err := p.closePosition(ctx, agent, pos, price, reason); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", reason, pos.Symbol, err))
			continue
		}
		closed++
	}
	return closed, errs
}

// syncExchange makes the ledger match the exchange. Local positions the
// exchange no longer holds in the same direction were closed by a protective
// order between turns. Exchange positions the ledger lacks are adopted so they
// occupy their symbol and count toward exposure.
func (p *Pipeline) syncExchange(ctx context.Context, agent *Agent, prices map[string]float64) (int, error) {
	if agent.account == nil {
		return 0, nil
	}
	qctx, cancel := p.exchangeContext(ctx)
	remote, err := agent.account.GetOpenPositions(qctx)
	cancel()
	if err != nil {
		return 0, err
	}
	held := make(map[string]exchange.ExchangePosition, len(remote))
	for _, r := range remote {
		if r.PositionAmt != 0 {
			held[r.Symbol] = r
		}
	}

	closed := 0
	var errs []error
	for _, pos := range p.ledger.OpenPositions(agent.ID()) {
		if r, ok := held[pos.Symbol]; ok && r.Long() == (pos.Direction == ledger.Long) {
			delete(held, pos.Symbol)
			continue
		}
		exit := prices[pos.Symbol]
		if exit <= 0 {
			exit = pos.CurrentPrice
		}
		p.cancelProtective(ctx, agent, pos)
		if _, _, err := p.ledger.Close(ctx, agent.ID(), pos.ID, exit, ledger.ExitExchange); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}

	for _, r := range held {
		if err := p.adopt(ctx, agent, r, prices[r.Symbol]); err != nil {
			errs = append(errs, fmt.Errorf("adopt %s: %w", r.Symbol, err))
		}
	}
	return closed, errors.Join(errs...)
}

// adopt records an exchange position the ledger has no entry for, typically a
// fill whose order report was lost.
func (p *Pipeline) adopt(ctx context.Context, agent *Agent, r exchange.ExchangePosition, price float64) error {
	direction := ledger.Long
	if !r.Long() {
		direction = ledger.Short
	}
	qty := math.Abs(r.PositionAmt)
	entry := r.EntryPrice
	if entry <= 0 {
		entry = r.MarkPrice
	}
	if entry <= 0 {
		entry = price
	}
	leverage := r.Leverage
	if leverage <= 0 {
		leverage = p.cfg.Policy.DefaultLeverage
	}
	if leverage <= 0 {
		leverage = 1
	}

	pos, err := p.ledger.Adopt(ctx, agent.ID(), ledger.OpenParams{
		Symbol:     r.Symbol,
		Direction:  direction,
		EntryPrice: entry,
		Quantity:   qty,
		Notional:   qty * entry,
		Leverage:   leverage,
		Rationale:  "adopted from exchange",
	})
	if err != nil {
		return err
	}
	logger.For("trader").Warn().Str("agent", agent.ID()).Str("symbol", pos.Symbol).Str("direction", string(pos.Direction)).
		Float64("entry", pos.EntryPrice).Float64("quantity", pos.Quantity).
		Msg("🔁 adopted untracked exchange position")
	return nil
}

func (p *Pipeline) cancelProtective(ctx context.Context, agent *Agent, pos ledger.Position) {
	for _, orderID := range []string{pos.StopOrderID, pos.TakeOrderID} {
		if orderID == "" {
			continue
		}
		cctx, cancel := p.exchangeContext(ctx)
		_, err := agent.orders.CancelOrder(cctx, pos.Symbol, orderID)
		cancel()
		if err != nil {
			logger.For("trader").Debug().Str("agent", agent.ID()).Str("order", orderID).Err(err).Msg("protective order cancel failed")
		}
	}
}

// unwind reverses a fill the ledger refused to record.
func (p *Pipeline) unwind(ctx context.Context, agent *Agent, symbol string, side exchange.Side, qty float64) {
	_, err := p.place(ctx, agent, exchange.OrderRequest{
		Symbol: symbol, Side: side.Opposite(), Type: exchange.OrderMarket,
		Quantity: qty, ReduceOnly: true, ClientOrderID: newClientOrderID(),
	})
	if err != nil {
		logger.For("trader").Error().Str("agent", agent.ID()).Str("symbol", symbol).Err(err).
			Msg("🚨 failed to unwind unrecorded fill, manual action required")
	}
}

// submit places an order and waits for it to fill. Orders still working after
// the poll budget, or whose state could not be read, are cancelled; whatever
// executed before the cancel is returned as the fill.
func (p *Pipeline) submit(ctx context.Context, agent *Agent, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	res, err := p.place(ctx, agent, req)
	if err != nil {
		return nil, err
	}

	var pollErr error
	querier, canQuery := agent.orders.(exchange.OrderQuerier)
	for attempt := 0; pollErr == nil && !res.Status.IsTerminal() && canQuery && attempt < p.cfg.FillPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			pollErr = ctx.Err()
			continue
		case <-time.After(p.cfg.FillPollInterval):
		}
		qctx, cancel := p.exchangeContext(ctx)
		next, err := querier.QueryOrder(qctx, req.Symbol, res.OrderID)
		cancel()
		if err != nil {
			pollErr = err
			continue
		}
		pollErr = res.Advance(next)
	}

	if pollErr == nil && res.Status == exchange.StatusFilled {
		return res, nil
	}
	if !res.Status.IsTerminal() {
		final, err := p.cancelOrder(ctx, agent, req.Symbol, res.OrderID)
		if err != nil {
			logger.For("trader").Error().Str("agent", agent.ID()).Str("symbol", req.Symbol).Str("order", res.OrderID).Err(err).
				Msg("🚨 failed to cancel unconfirmed order, exchange sync will reconcile it")
			return nil, errors.Join(pollErr, fmt.Errorf("cancel order %s: %w", res.OrderID, err))
		}
		if final != nil && final.ExecutedQty > res.ExecutedQty {
			res.ExecutedQty = final.ExecutedQty
			if final.AvgPrice > 0 {
				res.AvgPrice = final.AvgPrice
			}
		}
		res.Status = exchange.StatusCanceled
	}
	if res.ExecutedQty > 0 {
		return res, nil
	}
	if pollErr != nil {
		return nil, pollErr
	}
	return nil, &exchange.RejectedError{Message: fmt.Sprintf("order %s ended %s without a fill", res.OrderID, res.Status)}
}

// cancelOrder runs even when ctx is already done so an unconfirmed order is
// not left working.
func (p *Pipeline) cancelOrder(ctx context.Context, agent *Agent, symbol, orderID string) (*exchange.OrderResult, error) {
	cctx, cancel := p.exchangeContext(context.WithoutCancel(ctx))
	defer cancel()
	return agent.orders.CancelOrder(cctx, symbol, orderID)
}

func (p *Pipeline) place(ctx context.Context, agent *Agent, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	ctx, cancel := p.exchangeContext(ctx)
	defer cancel()
	return agent.orders.PlaceOrder(ctx, req)
}

func (p *Pipeline) exchangeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.ExchangeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.ExchangeTimeout)
}

func (p *Pipeline) precision(symbol string) int32 {
	if v, ok := p.cfg.QuantityPrecision[symbol]; ok {
		return v
	}
	return p.cfg.DefaultPrecision
}

// withMarks fills symbols missing from prices with each position's last mark so
// a market data gap does not erase unrealized PnL.
func withMarks(prices map[string]float64, open []ledger.Position) map[string]float64 {
	out := make(map[string]float64, len(prices)+len(open))
	for s, v := range prices {
		out[s] = v
	}
	for _, pos := range open {
		if _, ok := out[pos.Symbol]; !ok && pos.CurrentPrice > 0 {
			out[pos.Symbol] = pos.CurrentPrice
		}
	}
	return out
}

func lastFailure(res TurnResult) string {
	if len(res.Failures) == 0 {
		return ""
	}
	f := res.Failures[len(res.Failures)-1]
	return fmt.Sprintf("%s: %s", f.Step, f.Err)
}

func newClientOrderID() string {
	return "arena-" + uuid.NewString()[:18]
}
