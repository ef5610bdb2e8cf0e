// Package pricing resolves the effective unit price of a product from its
// catalog price and the dynamic pricing rules that are live at a given instant.
//
// Rules never stack: the single rule with the largest discount amount wins.
// Rules with malformed values contribute nothing instead of failing, so a bad
// back-office record cannot take checkout down.
package pricing

import (
	"time"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/money"
)

// Quote is the outcome of resolving one base price.
type Quote struct {
	BaseCents      int64  `json:"base_cents"`
	DiscountCents  int64  `json:"discount_cents"`
	EffectiveCents int64  `json:"effective_cents"`
	RuleID         string `json:"rule_id,omitempty"`
}

// EffectivePrice returns base minus the largest applicable rule discount,
// never below zero and never above base.
func EffectivePrice(baseCents int64, rules []domain.PricingRule, now time.Time) int64 {
	return Resolve(baseCents, rules, now).EffectiveCents
}

// Resolve is EffectivePrice plus the winning rule. On equal discounts the
// rule with the lexically smallest ID is reported so the result does not
// depend on slice order.
func Resolve(baseCents int64, rules []domain.PricingRule, now time.Time) Quote {
	if baseCents < 0 {
		baseCents = 0
	}
	q := Quote{BaseCents: baseCents, EffectiveCents: baseCents}

	var best int64
	for _, rule := range rules {
		if !IsActive(rule, now) {
			continue
		}
		amount := candidate(baseCents, rule)
		if amount <= 0 {
			continue
		}
		if amount > best || (amount == best && (q.RuleID == "" || rule.ID < q.RuleID)) {
			best = amount
			q.RuleID = rule.ID
		}
	}

	best = money.Min(best, baseCents)
	q.DiscountCents = best
	q.EffectiveCents = baseCents - best
	return q
}

// IsActive reports whether rule applies at now. Time-of-day windows are
// compared at minute granularity in now's location with inclusive bounds;
// windows that wrap midnight never match.
func IsActive(rule domain.PricingRule, now time.Time) bool {
	if !rule.Active {
		return false
	}
	switch rule.Type {
	case domain.RuleTimeOfDay:
		start, okStart := ParseClock(rule.TimeStart)
		end, okEnd := ParseClock(rule.TimeEnd)
		if !okStart || !okEnd || start > end {
			return false
		}
		minute := now.Hour()*60 + now.Minute()
		return minute >= start && minute <= end
	case domain.RulePercentage, domain.RuleFixed:
		if rule.StartsAt != nil && now.Before(*rule.StartsAt) {
			return false
		}
		if rule.EndsAt != nil && now.After(*rule.EndsAt) {
			return false
		}
		return true
	default:
		return false
	}
}

func candidate(baseCents int64, rule domain.PricingRule) int64 {
	switch rule.Type {
	case domain.RulePercentage, domain.RuleTimeOfDay:
		if !money.ValidPercent(rule.Percent) {
			return 0
		}
		return money.Percent(baseCents, rule.Percent)
	case domain.RuleFixed:
		if rule.AmountCents < 0 {
			return 0
		}
		return rule.AmountCents
	default:
		return 0
	}
}

// ParseClock parses a 24h "HH:MM" string into minutes after midnight.
func ParseClock(value string) (int, bool) {
	if len(value) != 5 || value[2] != ':' {
		return 0, false
	}
	h, okH := twoDigits(value[0], value[1])
	m, okM := twoDigits(value[3], value[4])
	if !okH || !okM || h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func twoDigits(a, b byte) (int, bool) {
	if a < '0' || a > '9' || b < '0' || b > '9' {
		return 0, false
	}
	return int(a-'0')*10 + int(b-'0'), true
}
