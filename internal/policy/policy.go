// Package policy decides which party of a trade may fire each state machine
// event. Every check is a pure function of the trade and the acting user.
package policy

import (
	"github.com/xtrntr/p2pexchange/internal/apperr"
	"github.com/xtrntr/p2pexchange/internal/models"
)

// CanConfirmPayment: only the buyer reports that fiat was sent
func CanConfirmPayment(t *models.Trade, userID int64) bool {
	return userID == t.BuyerID
}

// CanReleaseFunds: only the seller releases the escrowed crypto
func CanReleaseFunds(t *models.Trade, userID int64) bool {
	return userID == t.SellerID
}

// CanDispute: either party may open a dispute
func CanDispute(t *models.Trade, userID int64) bool {
	return t.IsParty(userID)
}

// CanCancel: either party may cancel
func CanCancel(t *models.Trade, userID int64) bool {
	return t.IsParty(userID)
}

// Authorize returns an authorization error if userID may not fire ev on t
func Authorize(ev models.TradeEvent, t *models.Trade, userID int64) error {
	switch ev {
	case models.EventConfirmPayment:
		if !CanConfirmPayment(t, userID) {
			return apperr.Authorization("only the buyer can confirm payment")
		}
	case models.EventReleaseFunds:
		if !CanReleaseFunds(t, userID) {
			return apperr.Authorization("only the seller can release crypto")
		}
	case models.EventDispute:
		if !CanDispute(t, userID) {
			return apperr.Authorization("user not involved in this trade")
		}
	case models.EventCancel:
		if !CanCancel(t, userID) {
			return apperr.Authorization("user not involved in this trade")
		}
	default:
		return apperr.Authorization("event %q is not user initiated", string(ev))
	}
	return nil
}
