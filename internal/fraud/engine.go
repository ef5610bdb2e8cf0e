// Package fraud runs threshold heuristics over self-checkout events.
//
// Evaluation is stateless: every call re-reads the history it needs from the
// event log. Rules fire independently, so one event can raise several alerts.
package fraud

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/metrics"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

// Evaluate applies the default rules to event using recent as the history
// source. It has no side effects and the returned alerts carry no ID.
func Evaluate(event domain.CheckoutEvent, recent []domain.CheckoutEvent, th Thresholds) []domain.Alert {
	var alerts []domain.Alert
	for _, rule := range DefaultRules() {
		filter, ok := rule.History(event, th)
		if !ok {
			continue
		}
		var matched []domain.CheckoutEvent
		for _, e := range recent {
			if filter.Matches(e) {
				matched = append(matched, e)
			}
		}
		if alert, fired := rule.Check(event, priorOnly(event, matched), th); fired {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

type Engine struct {
	events     store.EventLog
	rules      []Rule
	thresholds Thresholds
	metrics    *metrics.Metrics
}

func NewEngine(events store.EventLog, th Thresholds, m *metrics.Metrics) *Engine {
	return &Engine{
		events:     events,
		rules:      DefaultRules(),
		thresholds: th,
		metrics:    m,
	}
}

func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Process evaluates event against the live event log and appends every
// alert raised. A rule whose history query fails is skipped without
// affecting the others. Alerts that could not be appended are still
// returned, and their failures come back joined as *store.LogWriteError.
func (e *Engine) Process(ctx context.Context, event domain.CheckoutEvent) ([]domain.Alert, error) {
	var (
		alerts []domain.Alert
		errs   []error
	)
	for _, rule := range e.rules {
		filter, ok := rule.History(event, e.thresholds)
		if !ok {
			continue
		}
		history, err := e.events.QueryEvents(ctx, filter)
		if err != nil {
			log.Warn().Err(err).
				Str("rule", rule.Name()).
				Str("station_id", event.StationID).
				Msg("fraud rule skipped: history query failed")
			e.metrics.RecordRuleQueryFailure(rule.Name())
			continue
		}

		alert, fired := rule.Check(event, priorOnly(event, history), e.thresholds)
		if !fired {
			continue
		}
		alert.ID = xid.New("alr")
		e.metrics.RecordAlert(alert.Rule, string(alert.Severity))
		log.Info().
			Str("rule", alert.Rule).
			Str("severity", string(alert.Severity)).
			Str("station_id", alert.StationID).
			Str("item_id", alert.ItemID).
			Msg("fraud alert raised")

		if err := e.events.AppendAlert(ctx, alert); err != nil {
			e.metrics.RecordLogWriteFailure("alert")
			errs = append(errs, &store.LogWriteError{Kind: "alert", ID: alert.ID, Err: err})
		}
		alerts = append(alerts, alert)
	}
	return alerts, errors.Join(errs...)
}
