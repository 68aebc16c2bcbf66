// Package events fans order and trade lifecycle changes out to live
// subscribers (websocket clients, NATS).
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xtrntr/p2pexchange/internal/models"
)

// Type names a lifecycle change
type Type string

const (
	TradeCreated   Type = "trade.created"
	TradeEscrowed  Type = "trade.escrowed"
	TradeCompleted Type = "trade.completed"
	TradeDisputed  Type = "trade.disputed"
	TradeCancelled Type = "trade.cancelled"
	OrderChanged   Type = "order.changed"
)

// ForTradeStatus returns the event type emitted when a trade enters status
func ForTradeStatus(status models.TradeStatus) Type {
	switch status {
	case models.TradeEscrowed:
		return TradeEscrowed
	case models.TradeCompleted:
		return TradeCompleted
	case models.TradeDisputed:
		return TradeDisputed
	case models.TradeCancelled:
		return TradeCancelled
	}
	return TradeCreated
}

// Event is one lifecycle change
type Event struct {
	Type  Type          `json:"type"`
	Trade *models.Trade `json:"trade,omitempty"`
	Order *models.Order `json:"order,omitempty"`
	At    time.Time     `json:"at"`
}

// Publisher delivers events to subscribers
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi delivers each event to every publisher, joining their errors
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// Types lists the recorded event types in order
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]Type, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}
