// Package book builds the public order book view of active orders for one
// asset pair.
package book

import (
	"context"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/xtrntr/p2pexchange/internal/models"
)

// OrderLister is the read side of the order store the book is built from
type OrderLister interface {
	ListOrders(ctx context.Context, filter models.OrderFilter) ([]models.Order, error)
}

// Book holds the active orders of one crypto/fiat pair in price-time priority
type Book struct {
	Crypto     string         `json:"cryptocurrency"`
	Fiat       string         `json:"fiat_currency"`
	BuyOrders  []models.Order `json:"buy_orders"`
	SellOrders []models.Order `json:"sell_orders"`
}

// NewBook creates an empty book for a pair
func NewBook(crypto, fiat string) *Book {
	return &Book{
		Crypto:     strings.ToUpper(crypto),
		Fiat:       strings.ToUpper(fiat),
		BuyOrders:  []models.Order{},
		SellOrders: []models.Order{},
	}
}

// Load builds the book for a pair from the active orders in the store
func Load(ctx context.Context, lister OrderLister, crypto, fiat string) (*Book, error) {
	b := NewBook(crypto, fiat)
	orders, err := lister.ListOrders(ctx, models.OrderFilter{
		ActiveOnly: true,
		Crypto:     b.Crypto,
		Fiat:       b.Fiat,
	})
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		b.AddOrder(o)
	}
	return b, nil
}

// AddOrder adds an order to its side of the book. Orders that are not active,
// have nothing left, or belong to another pair are ignored.
func (b *Book) AddOrder(order models.Order) bool {
	if order.Status != models.OrderActive || !order.Amount.IsPositive() {
		return false
	}
	if order.Crypto != b.Crypto || order.Fiat != b.Fiat {
		return false
	}

	if order.Type == models.Buy {
		b.BuyOrders = append(b.BuyOrders, order)
		// Sort buy orders: highest price first, then earliest time
		sort.SliceStable(b.BuyOrders, func(i, j int) bool {
			return before(b.BuyOrders[i], b.BuyOrders[j], 1)
		})
	} else {
		b.SellOrders = append(b.SellOrders, order)
		// Sort sell orders: lowest price first, then earliest time
		sort.SliceStable(b.SellOrders, func(i, j int) bool {
			return before(b.SellOrders[i], b.SellOrders[j], -1)
		})
	}
	return true
}

// before orders by price in the direction given by sign (1 = descending),
// then by creation time, then by id
func before(a, c models.Order, sign int) bool {
	if cmp := a.PricePerUnit.Cmp(c.PricePerUnit); cmp != 0 {
		return cmp == sign
	}
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.Before(c.CreatedAt)
	}
	return a.ID < c.ID
}

// RemoveOrder removes an order from the book
func (b *Book) RemoveOrder(orderID int64) bool {
	for i, order := range b.BuyOrders {
		if order.ID == orderID {
			b.BuyOrders = append(b.BuyOrders[:i], b.BuyOrders[i+1:]...)
			return true
		}
	}
	for i, order := range b.SellOrders {
		if order.ID == orderID {
			b.SellOrders = append(b.SellOrders[:i], b.SellOrders[i+1:]...)
			return true
		}
	}
	return false
}

// BestBid returns the highest priced buy order
func (b *Book) BestBid() (models.Order, bool) {
	if len(b.BuyOrders) == 0 {
		return models.Order{}, false
	}
	return b.BuyOrders[0], true
}

// BestAsk returns the lowest priced sell order
func (b *Book) BestAsk() (models.Order, bool) {
	if len(b.SellOrders) == 0 {
		return models.Order{}, false
	}
	return b.SellOrders[0], true
}

// Spread is best ask minus best bid; ok is false unless both sides are quoted
func (b *Book) Spread() (spread decimal.Decimal, ok bool) {
	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return ask.PricePerUnit.Sub(bid.PricePerUnit), true
}

// Depth sums the remaining amount on each side
func (b *Book) Depth() (buy, sell decimal.Decimal) {
	buy, sell = decimal.Zero, decimal.Zero
	for _, o := range b.BuyOrders {
		buy = buy.Add(o.Amount)
	}
	for _, o := range b.SellOrders {
		sell = sell.Add(o.Amount)
	}
	return buy, sell
}
