// Package markets serves price data and platform statistics. Prices come from
// a PriceSource; statistics are computed from the order and trade store.
package markets

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/db"
)

// StatsReader reads platform counters
type StatsReader interface {
	Stats(ctx context.Context) (db.Stats, error)
}

// Market is one row of the overview
type Market struct {
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Change24h float64         `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
}

// PlatformStats summarizes marketplace activity
type PlatformStats struct {
	TotalTrades     int64           `json:"total_trades"`
	CompletedTrades int64           `json:"completed_trades"`
	ActiveOrders    int64           `json:"active_orders"`
	TotalVolume     decimal.Decimal `json:"total_volume"`
	SuccessRate     float64         `json:"success_rate"`
}

// TrendingPair ranks a pair by recent activity
type TrendingPair struct {
	Pair         string  `json:"pair"`
	VolumeChange float64 `json:"volume_change"`
	TradesCount  int     `json:"trades_count"`
}

// Price is the current price of a single symbol
type Price struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

var trending = []TrendingPair{
	{Pair: "BTC/USD", VolumeChange: 15.2, TradesCount: 1250},
	{Pair: "ETH/USD", VolumeChange: 8.7, TradesCount: 980},
	{Pair: "USDT/USD", VolumeChange: 5.3, TradesCount: 2100},
	{Pair: "BNB/USD", VolumeChange: -2.1, TradesCount: 450},
	{Pair: "ADA/USD", VolumeChange: 12.8, TradesCount: 320},
}

var (
	highFactor = decimal.RequireFromString("1.05")
	lowFactor  = decimal.RequireFromString("0.95")
)

// Service answers the markets endpoints
type Service struct {
	source PriceSource
	stats  StatsReader
	log    *zap.Logger
}

// NewService creates a markets service
func NewService(source PriceSource, stats StatsReader, log *zap.Logger) *Service {
	return &Service{source: source, stats: stats, log: log}
}

// Overview quotes every symbol against USD
func (s *Service) Overview(ctx context.Context) ([]Market, error) {
	symbols := s.source.Symbols()
	markets := make([]Market, 0, len(symbols))
	for _, sym := range symbols {
		q, err := s.source.Quote(ctx, sym)
		if err != nil {
			s.log.Warn("skipping symbol without quote", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		markets = append(markets, Market{
			Pair:      sym + "/USD",
			Price:     q.Price,
			Change24h: q.Change24h,
			Volume24h: q.Volume24h,
			High24h:   q.Price.Mul(highFactor).Round(2),
			Low24h:    q.Price.Mul(lowFactor).Round(2),
		})
	}
	return markets, nil
}

// Stats reports platform counters. SuccessRate is the percentage of trades
// that completed, 0 when there are none.
func (s *Service) Stats(ctx context.Context) (PlatformStats, error) {
	st, err := s.stats.Stats(ctx)
	if err != nil {
		return PlatformStats{}, apperr.Persistence("platform stats", err)
	}
	out := PlatformStats{
		TotalTrades:     st.TotalTrades,
		CompletedTrades: st.CompletedTrades,
		ActiveOrders:    st.ActiveOrders,
		TotalVolume:     st.CompletedVolume,
	}
	if st.TotalTrades > 0 {
		out.SuccessRate, _ = decimal.NewFromInt(st.CompletedTrades * 100).
			Div(decimal.NewFromInt(st.TotalTrades)).
			Round(1).
			Float64()
	}
	return out, nil
}

// Trending returns the most active pairs
func (s *Service) Trending(ctx context.Context) ([]TrendingPair, error) {
	out := make([]TrendingPair, len(trending))
	copy(out, trending)
	return out, nil
}

// Price quotes a single symbol
func (s *Service) Price(ctx context.Context, symbol string) (Price, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	q, err := s.source.Quote(ctx, symbol)
	if err != nil {
		if errors.Is(err, ErrUnknownSymbol) {
			return Price{}, apperr.NotFound("Symbol not found")
		}
		return Price{}, apperr.Persistence("quote "+symbol, err)
	}
	at := q.At
	if at.IsZero() {
		at = time.Now()
	}
	return Price{Symbol: symbol, Price: q.Price, Timestamp: at.Unix()}, nil
}
