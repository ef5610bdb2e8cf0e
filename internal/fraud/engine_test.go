package fraud

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/metrics"
	"tillpoint/backend/internal/store"
)

type fakeLog struct {
	mu          sync.Mutex
	events      []domain.CheckoutEvent
	alerts      []domain.Alert
	failActions map[domain.EventAction]error
	failAlerts  error
}

func (f *fakeLog) AppendEvent(_ context.Context, ev domain.CheckoutEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeLog) AppendAlert(_ context.Context, a domain.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAlerts != nil {
		return f.failAlerts
	}
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeLog) QueryEvents(_ context.Context, filter store.EventFilter) ([]domain.CheckoutEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failActions[filter.Action]; err != nil {
		return nil, err
	}
	var out []domain.CheckoutEvent
	for _, ev := range f.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLog) ListAlerts(_ context.Context, _ store.AlertFilter) ([]domain.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Alert(nil), f.alerts...), nil
}

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

func event(id string, action domain.EventAction, station, session, item string, value int64, at time.Time) domain.CheckoutEvent {
	return domain.CheckoutEvent{
		ID:         id,
		SessionID:  session,
		StationID:  station,
		ItemID:     item,
		Action:     action,
		ValueCents: value,
		Timestamp:  at,
	}
}

func rulesOf(alerts []domain.Alert) []string {
	out := make([]string, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, a.Rule)
	}
	return out
}

func TestQuickHighValueRemovalRaisesSingleHighAlert(t *testing.T) {
	log := &fakeLog{}
	ctx := context.Background()
	add := event("e1", domain.ActionAddItem, "st-1", "s-1", "tv", 15000, t0)
	remove := event("e2", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(25*time.Second))
	require.NoError(t, log.AppendEvent(ctx, add))
	require.NoError(t, log.AppendEvent(ctx, remove))

	engine := NewEngine(log, DefaultThresholds(), nil)
	alerts, err := engine.Process(ctx, remove)
	require.NoError(t, err)

	require.Len(t, log.alerts, 1)
	assert.Equal(t, alerts, log.alerts)
	got := log.alerts[0]
	assert.Equal(t, RuleQuickHighValueRemoval, got.Rule)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.Equal(t, "st-1", got.StationID)
	assert.Equal(t, "tv", got.ItemID)
	assert.Equal(t, domain.AlertStatusOpen, got.Status)
	assert.NotEmpty(t, got.ID)
	assert.Contains(t, got.Message, "150.00")
}

func TestQuickRemovalWindowBoundary(t *testing.T) {
	th := DefaultThresholds()
	add := event("a", domain.ActionAddItem, "st-1", "s-1", "tv", 15000, t0)

	atEdge := event("r", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(30*time.Second))
	assert.Equal(t, []string{RuleQuickHighValueRemoval}, rulesOf(Evaluate(atEdge, []domain.CheckoutEvent{add, atEdge}, th)))

	late := event("r", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(31*time.Second))
	assert.Empty(t, Evaluate(late, []domain.CheckoutEvent{add, late}, th))
}

func TestQuickRemovalUsesMostRecentAdd(t *testing.T) {
	th := DefaultThresholds()
	history := []domain.CheckoutEvent{
		event("a1", domain.ActionAddItem, "st-1", "s-1", "tv", 15000, t0),
		event("a2", domain.ActionAddItem, "st-1", "s-1", "tv", 15000, t0.Add(50*time.Second)),
	}
	remove := event("r", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(60*time.Second))
	assert.Equal(t, []string{RuleQuickHighValueRemoval}, rulesOf(Evaluate(remove, history, th)))
}

func TestQuickRemovalIgnoresOtherStationsAndLowValue(t *testing.T) {
	th := DefaultThresholds()
	otherStation := []domain.CheckoutEvent{event("a", domain.ActionAddItem, "st-2", "s-9", "tv", 15000, t0)}
	remove := event("r", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(5*time.Second))
	assert.Empty(t, Evaluate(remove, otherStation, th))

	sameStation := []domain.CheckoutEvent{event("a", domain.ActionAddItem, "st-1", "s-1", "gum", 99, t0)}
	cheap := event("r", domain.ActionRemoveItem, "st-1", "s-1", "gum", 99, t0.Add(5*time.Second))
	assert.Empty(t, Evaluate(cheap, sameStation, th))

	threshold := []domain.CheckoutEvent{event("a", domain.ActionAddItem, "st-1", "s-1", "radio", 10000, t0)}
	exact := event("r", domain.ActionRemoveItem, "st-1", "s-1", "radio", 10000, t0.Add(5*time.Second))
	assert.Equal(t, []string{RuleQuickHighValueRemoval}, rulesOf(Evaluate(exact, threshold, th)))
}

func TestExcessiveRemovalsFiresOnFourthRemoval(t *testing.T) {
	log := &fakeLog{}
	ctx := context.Background()
	engine := NewEngine(log, DefaultThresholds(), nil)

	items := []string{"gum", "soda", "chips", "mints"}
	var last []domain.Alert
	for i, item := range items {
		ev := event(item, domain.ActionRemoveItem, "st-1", "s-1", item, 250, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, log.AppendEvent(ctx, ev))
		alerts, err := engine.Process(ctx, ev)
		require.NoError(t, err)
		if i < 3 {
			assert.Empty(t, alerts, "removal %d", i+1)
		}
		last = alerts
	}

	require.Len(t, last, 1)
	assert.Equal(t, RuleExcessiveRemovals, last[0].Rule)
	assert.Equal(t, domain.SeverityMedium, last[0].Severity)
	assert.Empty(t, last[0].ItemID)
}

func TestExcessiveRemovalsAlongsideItemAlerts(t *testing.T) {
	th := DefaultThresholds()
	history := []domain.CheckoutEvent{
		event("r1", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0),
		event("r2", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(time.Minute)),
		event("r3", domain.ActionRemoveItem, "st-1", "s-1", "gum", 100, t0.Add(2*time.Minute)),
		event("a4", domain.ActionAddItem, "st-1", "s-1", "tv", 15000, t0.Add(3*time.Minute)),
	}
	fourth := event("r4", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(3*time.Minute+10*time.Second))

	got := rulesOf(Evaluate(fourth, append(history, fourth), th))
	assert.ElementsMatch(t, []string{RuleQuickHighValueRemoval, RuleExcessiveRemovals, RuleRepeatedItemCancellation}, got)
}

func TestExcessiveRemovalsScopedToSession(t *testing.T) {
	th := DefaultThresholds()
	history := []domain.CheckoutEvent{
		event("r1", domain.ActionRemoveItem, "st-1", "old", "gum", 100, t0),
		event("r2", domain.ActionRemoveItem, "st-1", "old", "gum", 100, t0),
		event("r3", domain.ActionRemoveItem, "st-1", "old", "gum", 100, t0),
	}
	ev := event("r4", domain.ActionRemoveItem, "st-1", "new", "gum", 100, t0.Add(time.Minute))
	assert.Empty(t, Evaluate(ev, history, th))
}

func TestRepeatedItemCancellationAcrossStations(t *testing.T) {
	th := DefaultThresholds()
	history := []domain.CheckoutEvent{
		event("r1", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0),
		event("r2", domain.ActionRemoveItem, "st-2", "s-2", "tv", 15000, t0.Add(time.Hour)),
	}
	ev := event("r3", domain.ActionRemoveItem, "st-3", "s-3", "tv", 15000, t0.Add(2*time.Hour))

	alerts := Evaluate(ev, history, th)
	require.Len(t, alerts, 1)
	assert.Equal(t, RuleRepeatedItemCancellation, alerts[0].Rule)
	assert.Equal(t, domain.SeverityHigh, alerts[0].Severity)
	assert.Equal(t, "st-3", alerts[0].StationID)

	// Only one prior cancellation: below threshold.
	assert.Empty(t, Evaluate(ev, history[:1], th))

	// History is unbounded unless a lookback is configured.
	late := event("r3", domain.ActionRemoveItem, "st-3", "s-3", "tv", 15000, t0.Add(48*time.Hour))
	assert.Equal(t, []string{RuleRepeatedItemCancellation}, rulesOf(Evaluate(late, history, th)))

	th.ItemLookback = 24 * time.Hour
	assert.Empty(t, Evaluate(late, history, th))
}

func TestRepeatedCancellationCountsRemovalsOlderThanADay(t *testing.T) {
	log := &fakeLog{}
	ctx := context.Background()
	engine := NewEngine(log, DefaultThresholds(), nil)

	removals := []domain.CheckoutEvent{
		event("r1", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0),
		event("r2", domain.ActionRemoveItem, "st-2", "s-2", "tv", 15000, t0.Add(time.Hour)),
		event("r3", domain.ActionRemoveItem, "st-3", "s-3", "tv", 15000, t0.Add(26*time.Hour)),
	}
	var last []domain.Alert
	for _, ev := range removals {
		require.NoError(t, log.AppendEvent(ctx, ev))
		alerts, err := engine.Process(ctx, ev)
		require.NoError(t, err)
		last = alerts
	}

	assert.Equal(t, []string{RuleRepeatedItemCancellation}, rulesOf(last))
	require.Len(t, log.alerts, 1)
	assert.Equal(t, "st-3", log.alerts[0].StationID)
}

func TestNonRemovalEventsRaiseNothing(t *testing.T) {
	th := DefaultThresholds()
	history := []domain.CheckoutEvent{
		event("r1", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0),
		event("r2", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0),
		event("r3", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0),
	}
	for _, action := range []domain.EventAction{domain.ActionAddItem, domain.ActionDeleteItem, domain.ActionCompleteTransaction} {
		ev := event("x", action, "st-1", "s-1", "tv", 15000, t0.Add(time.Second))
		assert.Empty(t, Evaluate(ev, history, th), string(action))
	}
}

func TestEvaluateIsPure(t *testing.T) {
	th := DefaultThresholds()
	history := []domain.CheckoutEvent{event("a", domain.ActionAddItem, "st-1", "s-1", "tv", 15000, t0)}
	ev := event("r", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(time.Second))
	assert.Equal(t, Evaluate(ev, history, th), Evaluate(ev, history, th))
	assert.Len(t, history, 1)
}

func TestFailedHistoryQuerySkipsOnlyThatRule(t *testing.T) {
	log := &fakeLog{failActions: map[domain.EventAction]error{domain.ActionAddItem: errors.New("timeout")}}
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	for i := 0; i < 3; i++ {
		require.NoError(t, log.AppendEvent(ctx, event("p"+string(rune('a'+i)), domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(time.Duration(i)*time.Second))))
	}
	ev := event("now", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(10*time.Second))
	require.NoError(t, log.AppendEvent(ctx, ev))

	alerts, err := NewEngine(log, DefaultThresholds(), m).Process(ctx, ev)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{RuleExcessiveRemovals, RuleRepeatedItemCancellation}, rulesOf(alerts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleQueryFailures.WithLabelValues(RuleQuickHighValueRemoval)))
}

func TestAlertAppendFailureIsReported(t *testing.T) {
	log := &fakeLog{failAlerts: errors.New("disk full")}
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())

	add := event("a", domain.ActionAddItem, "st-1", "s-1", "tv", 15000, t0)
	remove := event("r", domain.ActionRemoveItem, "st-1", "s-1", "tv", 15000, t0.Add(time.Second))
	require.NoError(t, log.AppendEvent(ctx, add))
	require.NoError(t, log.AppendEvent(ctx, remove))

	alerts, err := NewEngine(log, DefaultThresholds(), m).Process(ctx, remove)
	require.Error(t, err)
	require.Len(t, alerts, 1)

	var lwe *store.LogWriteError
	require.ErrorAs(t, err, &lwe)
	assert.Equal(t, "alert", lwe.Kind)
	assert.Equal(t, alerts[0].ID, lwe.ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventLogWriteFailures.WithLabelValues("alert")))
}
