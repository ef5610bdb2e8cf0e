package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

func TestWhereClauseNumbersPlaceholders(t *testing.T) {
	var w whereClause
	assert.Empty(t, w.String())

	w.add("station_id = $%d", "till-1")
	w.add("occurred_at >= $%d", time.Unix(0, 0))
	assert.Equal(t, "WHERE station_id = $1 AND occurred_at >= $2", w.String())
	assert.Len(t, w.args, 2)
}

func TestNullHelpers(t *testing.T) {
	assert.Nil(t, nullIfEmpty(""))
	assert.Equal(t, "09:00", nullIfEmpty("09:00"))
	assert.Nil(t, nullTime(nil))

	local := time.Date(2026, 3, 1, 9, 0, 0, 0, time.FixedZone("WIB", 7*3600))
	assert.Equal(t, local.UTC(), nullTime(&local))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("TILLPOINT_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set TILLPOINT_TEST_DATABASE_URL to run postgres integration tests")
	}

	s, err := New(context.Background(), databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestOrderDecrementsStockAndRefundsCapAtTotal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stamp := time.Now().UnixNano()
	productID := fmt.Sprintf("IT-%d", stamp)
	orderID := fmt.Sprintf("ord-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM refunds WHERE order_id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, productID)
	})

	_, err := s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Integration Tea", Category: "drinks", PriceCents: 250, Stock: 3})
	require.NoError(t, err)
	_, err = s.CreateProduct(ctx, domain.Product{ID: productID, Name: "Dup", Category: "drinks", PriceCents: 1, Stock: 0})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	line := domain.CartLine{ProductID: productID, Name: "Integration Tea", UnitBasePriceCents: 250, UnitEffectivePriceCents: 250, Qty: 4}
	_, err = s.CreateOrder(ctx, domain.Order{ID: orderID, StationID: "till-it", Lines: []domain.CartLine{line}, TotalCents: 1000, PaymentMethod: "cash"})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	product, err := s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 3, product.Stock)

	line.Qty = 2
	order, err := s.CreateOrder(ctx, domain.Order{
		ID:            orderID,
		SessionID:     "ses-it",
		StationID:     "till-it",
		Lines:         []domain.CartLine{line},
		SubtotalCents: 500,
		TotalCents:    500,
		PaymentMethod: "cash",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)

	product, err = s.GetProduct(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 1, product.Stock)

	stored, err := s.GetOrder(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, 2, stored.Lines[0].Qty)

	first, err := s.ReserveRefund(ctx, domain.Refund{OrderID: orderID, AmountCents: 300})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusPending, first.Status)
	_, err = s.ReserveRefund(ctx, domain.Refund{OrderID: orderID, AmountCents: 201})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	released, err := s.ReserveRefund(ctx, domain.Refund{OrderID: orderID, AmountCents: 200})
	require.NoError(t, err)
	require.NoError(t, s.ReleaseRefund(ctx, released.ID))

	rest, err := s.ReserveRefund(ctx, domain.Refund{OrderID: orderID})
	require.NoError(t, err)
	assert.Equal(t, int64(200), rest.AmountCents)

	_, err = s.SettleRefund(ctx, first.ID, "cashrf-1")
	require.NoError(t, err)
	stored, err = s.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)

	settled, err := s.SettleRefund(ctx, rest.ID, "cashrf-2")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusSettled, settled.Status)
	_, err = s.SettleRefund(ctx, rest.ID, "cashrf-2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	refunded, err := s.RefundedCents(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), refunded)

	stored, err = s.GetOrder(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, stored.Status)

	_, err = s.RefundedCents(ctx, "ord-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEventLogFiltersAndOrdersAlerts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	station := fmt.Sprintf("till-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM checkout_events WHERE station_id = $1`, station)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM fraud_alerts WHERE station_id = $1`, station)
	})

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.AppendEvent(ctx, domain.CheckoutEvent{StationID: station, ItemID: "MILK", Action: domain.ActionAddItem, ValueCents: 249, Timestamp: base}))
	require.NoError(t, s.AppendEvent(ctx, domain.CheckoutEvent{StationID: station, ItemID: "MILK", Action: domain.ActionRemoveItem, ValueCents: 249, Timestamp: base.Add(time.Second)}))
	assert.ErrorIs(t, s.AppendEvent(ctx, domain.CheckoutEvent{Action: domain.ActionAddItem}), store.ErrInvalidInput)

	events, err := s.QueryEvents(ctx, store.EventFilter{StationID: station})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.ActionAddItem, events[0].Action)

	events, err = s.QueryEvents(ctx, store.EventFilter{StationID: station, Action: domain.ActionRemoveItem})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, s.AppendAlert(ctx, domain.Alert{StationID: station, Rule: "excessive_removals", Severity: domain.SeverityMedium, Timestamp: base}))
	require.NoError(t, s.AppendAlert(ctx, domain.Alert{StationID: station, Rule: "quick_high_value_removal", Severity: domain.SeverityHigh, Timestamp: base.Add(time.Minute)}))

	alerts, err := s.ListAlerts(ctx, store.AlertFilter{StationID: station, Limit: 10})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "quick_high_value_removal", alerts[0].Rule)
	assert.Equal(t, domain.AlertStatusOpen, alerts[0].Status)

	alerts, err = s.ListAlerts(ctx, store.AlertFilter{StationID: station, Severity: domain.SeverityMedium})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestPricingRuleRoundTripKeepsOptionalColumns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ends := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	rule, err := s.CreatePricingRule(ctx, domain.PricingRule{Name: "Weekend", Type: domain.RulePercentage, Percent: 5, EndsAt: &ends, Active: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.DeletePricingRule(ctx, rule.ID) })

	rules, err := s.ListPricingRules(ctx)
	require.NoError(t, err)
	var found *domain.PricingRule
	for i := range rules {
		if rules[i].ID == rule.ID {
			found = &rules[i]
		}
	}
	require.NotNil(t, found)
	assert.Nil(t, found.StartsAt)
	require.NotNil(t, found.EndsAt)
	assert.True(t, ends.Equal(*found.EndsAt))
	assert.Empty(t, found.TimeStart)

	_, err = s.UpdatePricingRuleActive(ctx, rule.ID, false)
	require.NoError(t, err)
	active, err := s.ListActivePricingRules(ctx, time.Now())
	require.NoError(t, err)
	for _, r := range active {
		assert.NotEqual(t, rule.ID, r.ID)
	}

	require.NoError(t, s.DeletePricingRule(ctx, rule.ID))
	assert.ErrorIs(t, s.DeletePricingRule(ctx, rule.ID), store.ErrNotFound)
}

func TestAuditLogsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entityID := fmt.Sprintf("dsc-it-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE entity_id = $1`, entityID)
	})

	since := time.Now().UTC().Add(-time.Second)
	require.NoError(t, s.CreateAuditLog(ctx, domain.AuditLog{ActorUsername: "admin", ActorRole: domain.RoleAdmin, Action: "discount.update", EntityType: "discount", EntityID: entityID}))
	assert.ErrorIs(t, s.CreateAuditLog(ctx, domain.AuditLog{}), store.ErrInvalidInput)

	entries, err := s.ListAuditLogs(ctx, since, 50)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.EntityID == entityID {
			found = true
			assert.Equal(t, "discount.update", e.Action)
		}
	}
	assert.True(t, found)
}
