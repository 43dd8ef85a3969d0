package market

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrMarketDataUnavailable is returned when no usable snapshot could be obtained.
var ErrMarketDataUnavailable = errors.New("market data unavailable")

// Ticker is one raw price quote as delivered by a source.
type Ticker struct {
	Symbol string
	Price  string
}

// Source lists the latest tickers from an exchange.
type Source interface {
	Tickers(ctx context.Context) ([]Ticker, error)
}

// Fetcher turns raw tickers into a symbol->price snapshot, cached for a short window.
type Fetcher struct {
	source  Source
	cache   *Cache
	timeout time.Duration
	symbols map[string]struct{}

	// serialises refreshes so concurrent agents share one upstream call
	fetchMu sync.Mutex
}

// NewFetcher builds a fetcher. When symbols is non-empty the snapshot is restricted to them.
func NewFetcher(source Source, cache *Cache, timeout time.Duration, symbols []string) *Fetcher {
	f := &Fetcher{
		source:  source,
		cache:   cache,
		timeout: timeout,
	}
	if len(symbols) > 0 {
		f.symbols = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			f.symbols[strings.ToUpper(s)] = struct{}{}
		}
	}
	return f
}

// Prices returns the current snapshot, from cache when fresh.
func (f *Fetcher) Prices(ctx context.Context) (map[string]float64, error) {
	if f.cache != nil {
		if prices, ok := f.cache.Get(); ok {
			return prices, nil
		}
	}

	f.fetchMu.Lock()
	defer f.fetchMu.Unlock()

	if f.cache != nil {
		if prices, ok := f.cache.Get(); ok {
			return prices, nil
		}
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	tickers, err := f.source.Tickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarketDataUnavailable, err)
	}

	prices, err := f.toSnapshot(tickers)
	if err != nil {
		return nil, err
	}
	if f.cache != nil {
		f.cache.Put(prices)
	}
	return prices, nil
}

func (f *Fetcher) toSnapshot(tickers []Ticker) (map[string]float64, error) {
	if len(tickers) == 0 {
		return nil, fmt.Errorf("%w: empty ticker list", ErrMarketDataUnavailable)
	}

	prices := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
		if symbol == "" {
			continue
		}
		if f.symbols != nil {
			if _, ok := f.symbols[symbol]; !ok {
				continue
			}
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(t.Price), 64)
		if err != nil || price <= 0 {
			log.Warn().Str("symbol", symbol).Str("price", t.Price).Msg("⚠️  Skipping malformed ticker")
			continue
		}
		prices[symbol] = price
	}

	if len(prices) == 0 {
		return nil, fmt.Errorf("%w: no usable prices in %d tickers", ErrMarketDataUnavailable, len(tickers))
	}
	return prices, nil
}
