package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// exposureEpsilon absorbs float noise when a position lands exactly on the ceiling.
const exposureEpsilon = 1e-9

// Persister stores ledger transitions. Open and close are written as one unit each.
type Persister interface {
	SaveOpen(ctx context.Context, pos Position, entry Trade) error
	SaveClose(ctx context.Context, pos Position, exit Trade) error
	SavePosition(ctx context.Context, pos Position) error
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDs replaces the uuid generator.
func WithIDs(next func() string) Option {
	return func(l *Ledger) { l.newID = next }
}

// Ledger is the in-process view of every agent's positions and trades.
type Ledger struct {
	ceiling float64
	store   Persister
	now     func() time.Time
	newID   func() string

	mu    sync.RWMutex
	books map[string]*book
}

type book struct {
	mu     sync.RWMutex
	open   map[string]*Position // keyed by symbol
	closed map[string]struct{}  // closed position ids
	trades []Trade
}

// New creates a ledger enforcing the given exposure ceiling (0.7 = 70%).
// store may be nil for a memory-only ledger.
func New(ceiling float64, store Persister, opts ...Option) *Ledger {
	l := &Ledger{
		ceiling: ceiling,
		store:   store,
		now:     time.Now,
		newID:   uuid.NewString,
		books:   make(map[string]*book),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Ceiling returns the configured exposure ceiling.
func (l *Ledger) Ceiling() float64 {
	return l.ceiling
}

func (l *Ledger) book(agentID string) *book {
	l.mu.RLock()
	b, ok := l.books[agentID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.books[agentID]; ok {
		return b
	}
	b = &book{
		open:   make(map[string]*Position),
		closed: make(map[string]struct{}),
	}
	l.books[agentID] = b
	return b
}

// Restore seeds an agent's book from storage.
func (l *Ledger) Restore(agentID string, open []Position, trades []Trade) {
	b := l.book(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range open {
		p := open[i]
		if p.IsOpen() {
			b.open[p.Symbol] = &p
		}
	}
	for _, t := range trades {
		if t.Kind == TradeExit {
			b.closed[t.PositionID] = struct{}{}
		}
	}
	b.trades = append(b.trades[:0], trades...)
}

// CheckOpen validates uniqueness and the exposure ceiling without mutating anything.
func (l *Ledger) CheckOpen(agentID string, balance float64, symbol string, notional float64) error {
	b := l.book(agentID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return l.checkOpenLocked(b, balance, symbol, notional)
}

func (l *Ledger) checkOpenLocked(b *book, balance float64, symbol string, notional float64) error {
	if _, exists := b.open[symbol]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateExposure, symbol)
	}
	if balance <= 0 {
		return fmt.Errorf("%w: balance %.2f", ErrExposureExceeded, balance)
	}
	projected := (b.exposure() + notional) / balance
	if projected > l.ceiling+exposureEpsilon {
		return fmt.Errorf("%w: projected %.2f%% > %.2f%%", ErrExposureExceeded, projected*100, l.ceiling*100)
	}
	return nil
}

func (b *book) exposure() float64 {
	total := 0.0
	for _, p := range b.open {
		total += p.Notional
	}
	return total
}

// Open records a filled entry as a new position plus its entry trade.
func (l *Ledger) Open(ctx context.Context, agentID string, balance float64, params OpenParams) (Position, error) {
	if err := params.validate(); err != nil {
		return Position{}, err
	}

	b := l.book(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := l.checkOpenLocked(b, balance, params.Symbol, params.Notional); err != nil {
		return Position{}, err
	}
	return l.openLocked(ctx, b, agentID, params)
}

// Adopt records a position the exchange already holds. The exposure ceiling is
// not applied since the exposure exists regardless; the symbol must be free.
func (l *Ledger) Adopt(ctx context.Context, agentID string, params OpenParams) (Position, error) {
	if err := params.validate(); err != nil {
		return Position{}, err
	}

	b := l.book(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.open[params.Symbol]; exists {
		return Position{}, fmt.Errorf("%w: %s", ErrDuplicateExposure, params.Symbol)
	}
	return l.openLocked(ctx, b, agentID, params)
}

func (l *Ledger) openLocked(ctx context.Context, b *book, agentID string, params OpenParams) (Position, error) {
	now := l.now()
	pos := Position{
		ID:           l.newID(),
		AgentID:      agentID,
		Symbol:       params.Symbol,
		Direction:    params.Direction,
		EntryPrice:   params.EntryPrice,
		CurrentPrice: params.EntryPrice,
		Quantity:     params.Quantity,
		Leverage:     params.Leverage,
		Notional:     params.Notional,
		StopLoss:     params.StopLoss,
		TakeProfit:   params.TakeProfit,
		Status:       StatusOpen,
		Rationale:    params.Rationale,
		OpenedAt:     now,
	}
	entry := Trade{
		ID:         l.newID(),
		AgentID:    agentID,
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		Kind:       TradeEntry,
		Price:      pos.EntryPrice,
		Quantity:   pos.Quantity,
		Notional:   pos.Notional,
		Leverage:   pos.Leverage,
		Rationale:  pos.Rationale,
		OpenedAt:   now,
		Timestamp:  now,
	}

	if l.store != nil {
		if err := l.store.SaveOpen(ctx, pos, entry); err != nil {
			return Position{}, fmt.Errorf("persist open %s: %w", pos.Symbol, err)
		}
	}

	stored := pos
	b.open[pos.Symbol] = &stored
	b.trades = append(b.trades, entry)
	return pos, nil
}

// Close realises PnL at exitPrice and appends the exit trade.
// Closing an already-closed position fails with ErrPositionAlreadyClosed.
func (l *Ledger) Close(ctx context.Context, agentID, positionID string, exitPrice float64, reason ExitReason) (Position, Trade, error) {
	if exitPrice <= 0 {
		return Position{}, Trade{}, fmt.Errorf("%w: exit price %v", ErrInvalidPosition, exitPrice)
	}

	b := l.book(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.closed[positionID]; done {
		return Position{}, Trade{}, fmt.Errorf("%w: %s", ErrPositionAlreadyClosed, positionID)
	}
	var current *Position
	for _, p := range b.open {
		if p.ID == positionID {
			current = p
			break
		}
	}
	if current == nil {
		return Position{}, Trade{}, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}

	now := l.now()
	pct, abs := PnL(current.Direction, current.EntryPrice, exitPrice, current.Notional)

	closed := *current
	price := exitPrice
	closed.ExitPrice = &price
	closed.CurrentPrice = exitPrice
	closed.PnLPercent = pct
	closed.PnL = abs
	closed.Status = StatusClosed
	closed.ExitReason = reason
	closed.ClosedAt = &now

	exit := Trade{
		ID:         l.newID(),
		AgentID:    agentID,
		PositionID: closed.ID,
		Symbol:     closed.Symbol,
		Direction:  closed.Direction,
		Kind:       TradeExit,
		Price:      exitPrice,
		Quantity:   closed.Quantity,
		Notional:   closed.Notional,
		Leverage:   closed.Leverage,
		PnLPercent: pct,
		PnL:        abs,
		Rationale:  closed.Rationale,
		Reason:     string(reason),
		OpenedAt:   closed.OpenedAt,
		Timestamp:  now,
	}

	if l.store != nil {
		if err := l.store.SaveClose(ctx, closed, exit); err != nil {
			return Position{}, Trade{}, fmt.Errorf("persist close %s: %w", closed.Symbol, err)
		}
	}

	delete(b.open, closed.Symbol)
	b.closed[closed.ID] = struct{}{}
	b.trades = append(b.trades, exit)
	return closed, exit, nil
}

// Mark updates current price and unrealized PnL on every open position with a price.
func (l *Ledger) Mark(ctx context.Context, agentID string, prices map[string]float64) error {
	b := l.book(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, p := range b.open {
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 {
			continue
		}
		marked := *p
		marked.CurrentPrice = price
		marked.PnLPercent, marked.PnL = PnL(p.Direction, p.EntryPrice, price, p.Notional)
		if l.store != nil {
			if err := l.store.SavePosition(ctx, marked); err != nil {
				errs = append(errs, fmt.Errorf("persist mark %s: %w", p.Symbol, err))
				continue
			}
		}
		*p = marked
	}
	return errors.Join(errs...)
}

// SetProtectiveOrders records exchange-side stop and target order ids on an open position.
func (l *Ledger) SetProtectiveOrders(ctx context.Context, agentID, positionID, stopID, takeID string) error {
	b := l.book(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.open {
		if p.ID != positionID {
			continue
		}
		updated := *p
		updated.StopOrderID = stopID
		updated.TakeOrderID = takeID
		if l.store != nil {
			if err := l.store.SavePosition(ctx, updated); err != nil {
				return err
			}
		}
		*p = updated
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
}

// OpenPositions returns copies of the agent's open positions ordered by open time.
func (l *Ledger) OpenPositions(agentID string) []Position {
	b := l.book(agentID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Position, 0, len(b.open))
	for _, p := range b.open {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Position returns the open position on symbol, if any.
func (l *Ledger) Position(agentID, symbol string) (Position, bool) {
	b := l.book(agentID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.open[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Trades returns a copy of the agent's trade log.
func (l *Ledger) Trades(agentID string) []Trade {
	b := l.book(agentID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Trade, len(b.trades))
	copy(out, b.trades)
	return out
}

// Exposure is the summed notional of the agent's open positions.
func (l *Ledger) Exposure(agentID string) float64 {
	b := l.book(agentID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exposure()
}
