package market

import (
	"context"

	"github.com/adshao/go-binance/v2/futures"
)

// BinanceSource reads USDT-M futures prices through the public price endpoint.
type BinanceSource struct {
	client *futures.Client
}

// NewBinanceSource creates a source. Keys may be empty since the endpoint is public.
func NewBinanceSource(apiKey, secretKey string, testnet bool) *BinanceSource {
	futures.UseTestnet = testnet
	return &BinanceSource{client: futures.NewClient(apiKey, secretKey)}
}

// Tickers implements Source.
func (s *BinanceSource) Tickers(ctx context.Context) ([]Ticker, error) {
	prices, err := s.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Ticker, 0, len(prices))
	for _, p := range prices {
		if p == nil {
			continue
		}
		out = append(out, Ticker{Symbol: p.Symbol, Price: p.Price})
	}
	return out, nil
}
