package market

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	tickers []Ticker
	err     error
	calls   atomic.Int32
}

func (s *stubSource) Tickers(ctx context.Context) ([]Ticker, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.tickers, nil
}

func TestFetcherBuildsSnapshot(t *testing.T) {
	src := &stubSource{tickers: []Ticker{
		{Symbol: "BTCUSDT", Price: "50000.5"},
		{Symbol: "ethusdt", Price: "3000"},
		{Symbol: "DOGEUSDT", Price: "0.1"},
		{Symbol: "BADUSDT", Price: "n/a"},
	}}
	f := NewFetcher(src, NewCache(time.Minute), time.Second, []string{"BTCUSDT", "ETHUSDT", "BADUSDT"})

	prices, err := f.Prices(t.Context())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"BTCUSDT": 50000.5, "ETHUSDT": 3000}, prices)
}

func TestFetcherCachesWithinTTL(t *testing.T) {
	src := &stubSource{tickers: []Ticker{{Symbol: "BTCUSDT", Price: "1"}}}
	cache := NewCache(5 * time.Second)
	now := time.Unix(1700000000, 0)
	cache.now = func() time.Time { return now }
	f := NewFetcher(src, cache, 0, nil)

	_, err := f.Prices(t.Context())
	require.NoError(t, err)
	_, err = f.Prices(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.calls.Load())

	now = now.Add(5 * time.Second)
	_, err = f.Prices(t.Context())
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestFetcherSharesConcurrentRefresh(t *testing.T) {
	src := &stubSource{tickers: []Ticker{{Symbol: "BTCUSDT", Price: "1"}}}
	f := NewFetcher(src, NewCache(time.Minute), 0, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Prices(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, src.calls.Load())
}

func TestFetcherFailures(t *testing.T) {
	tests := []struct {
		name string
		src  *stubSource
	}{
		{"transport error", &stubSource{err: errors.New("dial tcp: connection refused")}},
		{"empty list", &stubSource{}},
		{"nothing parseable", &stubSource{tickers: []Ticker{{Symbol: "BTCUSDT", Price: ""}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFetcher(tt.src, NewCache(time.Minute), time.Second, nil)
			_, err := f.Prices(t.Context())
			require.ErrorIs(t, err, ErrMarketDataUnavailable)
		})
	}
}

func TestCacheReturnsCopies(t *testing.T) {
	c := NewCache(time.Minute)
	c.Put(map[string]float64{"BTCUSDT": 1})

	got, ok := c.Get()
	require.True(t, ok)
	got["BTCUSDT"] = 2

	again, _ := c.Get()
	assert.Equal(t, 1.0, again["BTCUSDT"])

	c.Invalidate()
	_, ok = c.Get()
	assert.False(t, ok)

	disabled := NewCache(0)
	disabled.Put(map[string]float64{"BTCUSDT": 1})
	_, ok = disabled.Get()
	assert.False(t, ok)
}
