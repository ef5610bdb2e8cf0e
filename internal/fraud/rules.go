package fraud

import (
	"fmt"
	"time"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/money"
	"tillpoint/backend/internal/store"
)

const (
	RuleQuickHighValueRemoval    = "quick_high_value_removal"
	RuleExcessiveRemovals        = "excessive_removals"
	RuleRepeatedItemCancellation = "repeated_item_cancellation"
)

// Thresholds tunes the built-in rules.
type Thresholds struct {
	HighValueCents                int64
	QuickRemovalWindow            time.Duration
	MaxRemovalCount               int
	RepeatedCancellationThreshold int
	// ItemLookback bounds the cross-station history for one item. Zero,
	// the default, means every earlier removal counts.
	ItemLookback time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HighValueCents:                10000,
		QuickRemovalWindow:            30 * time.Second,
		MaxRemovalCount:               3,
		RepeatedCancellationThreshold: 2,
	}
}

// Rule is one heuristic. History returns the event log query it needs for
// event, or false when the rule cannot fire for this event at all. Check
// receives only prior events: the evaluated event itself and anything
// stamped after it are removed beforehand.
type Rule interface {
	Name() string
	History(event domain.CheckoutEvent, th Thresholds) (store.EventFilter, bool)
	Check(event domain.CheckoutEvent, prior []domain.CheckoutEvent, th Thresholds) (domain.Alert, bool)
}

func DefaultRules() []Rule {
	return []Rule{quickHighValueRemoval{}, excessiveRemovals{}, repeatedItemCancellation{}}
}

type quickHighValueRemoval struct{}

func (quickHighValueRemoval) Name() string { return RuleQuickHighValueRemoval }

func (quickHighValueRemoval) History(ev domain.CheckoutEvent, th Thresholds) (store.EventFilter, bool) {
	if ev.Action != domain.ActionRemoveItem || ev.ValueCents < th.HighValueCents || ev.ItemID == "" {
		return store.EventFilter{}, false
	}
	return store.EventFilter{
		StationID: ev.StationID,
		ItemID:    ev.ItemID,
		Action:    domain.ActionAddItem,
		Since:     ev.Timestamp.Add(-th.QuickRemovalWindow),
	}, true
}

func (quickHighValueRemoval) Check(ev domain.CheckoutEvent, prior []domain.CheckoutEvent, th Thresholds) (domain.Alert, bool) {
	var lastAdd *domain.CheckoutEvent
	for i := range prior {
		if lastAdd == nil || prior[i].Timestamp.After(lastAdd.Timestamp) {
			lastAdd = &prior[i]
		}
	}
	if lastAdd == nil {
		return domain.Alert{}, false
	}
	elapsed := ev.Timestamp.Sub(lastAdd.Timestamp)
	if elapsed > th.QuickRemovalWindow {
		return domain.Alert{}, false
	}
	msg := fmt.Sprintf("quick removal of high-value item %s (%s) %s after it was added",
		ev.ItemID, money.Format(ev.ValueCents), elapsed.Round(time.Second))
	return newAlert(ev, RuleQuickHighValueRemoval, domain.SeverityHigh, msg), true
}

type excessiveRemovals struct{}

func (excessiveRemovals) Name() string { return RuleExcessiveRemovals }

func (excessiveRemovals) History(ev domain.CheckoutEvent, _ Thresholds) (store.EventFilter, bool) {
	if ev.Action != domain.ActionRemoveItem {
		return store.EventFilter{}, false
	}
	return store.EventFilter{
		StationID: ev.StationID,
		SessionID: ev.SessionID,
		Action:    domain.ActionRemoveItem,
	}, true
}

func (excessiveRemovals) Check(ev domain.CheckoutEvent, prior []domain.CheckoutEvent, th Thresholds) (domain.Alert, bool) {
	if len(prior) < th.MaxRemovalCount {
		return domain.Alert{}, false
	}
	msg := fmt.Sprintf("excessive removals at station %s: %d removals this session", ev.StationID, len(prior)+1)
	alert := newAlert(ev, RuleExcessiveRemovals, domain.SeverityMedium, msg)
	alert.ItemID = ""
	return alert, true
}

type repeatedItemCancellation struct{}

func (repeatedItemCancellation) Name() string { return RuleRepeatedItemCancellation }

func (repeatedItemCancellation) History(ev domain.CheckoutEvent, th Thresholds) (store.EventFilter, bool) {
	if ev.Action != domain.ActionRemoveItem || ev.ValueCents < th.HighValueCents || ev.ItemID == "" {
		return store.EventFilter{}, false
	}
	filter := store.EventFilter{ItemID: ev.ItemID, Action: domain.ActionRemoveItem}
	if th.ItemLookback > 0 {
		filter.Since = ev.Timestamp.Add(-th.ItemLookback)
	}
	return filter, true
}

func (repeatedItemCancellation) Check(ev domain.CheckoutEvent, prior []domain.CheckoutEvent, th Thresholds) (domain.Alert, bool) {
	if len(prior) < th.RepeatedCancellationThreshold {
		return domain.Alert{}, false
	}
	msg := fmt.Sprintf("item %s (%s) removed %d times across stations", ev.ItemID, money.Format(ev.ValueCents), len(prior)+1)
	return newAlert(ev, RuleRepeatedItemCancellation, domain.SeverityHigh, msg), true
}

func newAlert(ev domain.CheckoutEvent, rule string, severity domain.AlertSeverity, message string) domain.Alert {
	return domain.Alert{
		StationID: ev.StationID,
		ItemID:    ev.ItemID,
		Rule:      rule,
		Severity:  severity,
		Message:   message,
		Timestamp: ev.Timestamp,
		Status:    domain.AlertStatusOpen,
	}
}

// priorOnly drops the evaluated event and anything after it.
func priorOnly(ev domain.CheckoutEvent, events []domain.CheckoutEvent) []domain.CheckoutEvent {
	out := make([]domain.CheckoutEvent, 0, len(events))
	for _, e := range events {
		if ev.ID != "" && e.ID == ev.ID {
			continue
		}
		if e.Timestamp.After(ev.Timestamp) {
			continue
		}
		out = append(out, e)
	}
	return out
}
