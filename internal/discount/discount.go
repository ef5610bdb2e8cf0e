// Package discount computes the order-level discount for a selected Discount.
package discount

import (
	"time"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/money"
)

// Evaluator applies a Discount to an order. The zero value uses the
// pair_per_line BOGO strategy.
type Evaluator struct {
	BOGO BOGOStrategy
}

func NewEvaluator(bogo BOGOStrategy) Evaluator {
	return Evaluator{BOGO: bogo}
}

// Amount is the line-free form of Evaluate. BOGO discounts need the cart
// lines, so they always yield 0 here.
func Amount(subtotalCents int64, d *domain.Discount, now time.Time) int64 {
	return Evaluator{}.Evaluate(subtotalCents, nil, d, now)
}

// Applicable reports whether d may be applied to an order of subtotalCents
// at now. validUntil is inclusive.
func Applicable(subtotalCents int64, d *domain.Discount, now time.Time) bool {
	if d == nil || !d.Active {
		return false
	}
	if now.After(d.ValidUntil) {
		return false
	}
	return subtotalCents >= d.MinPurchaseCents
}

// Evaluate returns the discount in cents, always within [0, subtotal].
func (e Evaluator) Evaluate(subtotalCents int64, lines []domain.CartLine, d *domain.Discount, now time.Time) int64 {
	if subtotalCents <= 0 || !Applicable(subtotalCents, d, now) {
		return 0
	}

	var amount int64
	switch d.Type {
	case domain.DiscountPercentage:
		if !money.ValidPercent(d.Percent) {
			return 0
		}
		amount = money.Percent(subtotalCents, d.Percent)
		if d.MaxDiscountCents > 0 {
			amount = money.Min(amount, d.MaxDiscountCents)
		}
	case domain.DiscountBOGO:
		amount = e.strategy().Amount(lines)
	default:
		return 0
	}

	return money.Max(0, money.Min(amount, subtotalCents))
}

func (e Evaluator) strategy() BOGOStrategy {
	if e.BOGO == nil {
		return PairPerLine{}
	}
	return e.BOGO
}
