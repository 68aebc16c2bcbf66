package trading

import (
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// transition is one row of the escrow state machine
type transition struct {
	from []models.TradeStatus
	to   models.TradeStatus
	// apply sets the flags that accompany the status change
	apply func(t *models.Trade)
	// reason explains a state guard failure
	reason string
}

var transitions = map[models.TradeEvent]transition{
	models.EventConfirmPayment: {
		from:   []models.TradeStatus{models.TradePending},
		to:     models.TradeEscrowed,
		apply:  func(t *models.Trade) { t.PaymentConfirmed = true },
		reason: "trade is not in pending status",
	},
	models.EventReleaseFunds: {
		from:   []models.TradeStatus{models.TradeEscrowed},
		to:     models.TradeCompleted,
		apply:  func(t *models.Trade) { t.CryptoReleased = true },
		reason: "trade is not in escrowed status",
	},
	models.EventDispute: {
		from:   []models.TradeStatus{models.TradePending, models.TradeEscrowed, models.TradeDisputed},
		to:     models.TradeDisputed,
		reason: "cannot dispute a completed or cancelled trade",
	},
	models.EventCancel: {
		from:   []models.TradeStatus{models.TradePending},
		to:     models.TradeCancelled,
		reason: "can only cancel pending trades",
	},
}

// Next returns the status a trade in from moves to on ev, or an
// InvalidStateError if the table has no such row
func Next(from models.TradeStatus, ev models.TradeEvent) (models.TradeStatus, error) {
	tr, ok := transitions[ev]
	if !ok {
		return "", apperr.InvalidState("unknown trade event %q", string(ev))
	}
	for _, s := range tr.from {
		if s == from {
			return tr.to, nil
		}
	}
	return "", apperr.InvalidState("%s", tr.reason)
}
