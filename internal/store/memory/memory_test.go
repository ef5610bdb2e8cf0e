package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

func TestCreateOrderDecrementsStockAtomically(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CreateOrder(ctx, domain.Order{
		Lines: []domain.CartLine{
			{ProductID: "SKU-MILK-1L", Qty: 2, UnitEffectivePriceCents: 249},
			{ProductID: "SKU-BLENDER", Qty: 11, UnitEffectivePriceCents: 8999},
		},
		TotalCents: 99,
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	milk, err := s.GetProduct(ctx, "SKU-MILK-1L")
	require.NoError(t, err)
	assert.Equal(t, 200, milk.Stock, "failed order must not touch stock")

	order, err := s.CreateOrder(ctx, domain.Order{
		Lines: []domain.CartLine{
			{ProductID: "SKU-MILK-1L", Qty: 2, UnitEffectivePriceCents: 249},
			{ProductID: "SKU-MILK-1L", Qty: 1, UnitEffectivePriceCents: 200},
		},
		TotalCents: 698,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, domain.OrderStatusPaid, order.Status)

	milk, _ = s.GetProduct(ctx, "SKU-MILK-1L")
	assert.Equal(t, 197, milk.Stock)
}

func TestRefundReservationsCapAtOrderTotal(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	order, err := s.CreateOrder(ctx, domain.Order{
		Lines:      []domain.CartLine{{ProductID: "SKU-COFFEE-500", Qty: 1, UnitEffectivePriceCents: 1099}},
		TotalCents: 1209,
	})
	require.NoError(t, err)

	first, err := s.ReserveRefund(ctx, domain.Refund{OrderID: order.ID, AmountCents: 1000})
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusPending, first.Status)

	_, err = s.ReserveRefund(ctx, domain.Refund{OrderID: order.ID, AmountCents: 300})
	require.ErrorIs(t, err, store.ErrInvalidInput, "pending amount counts against the total")

	rest, err := s.ReserveRefund(ctx, domain.Refund{OrderID: order.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(209), rest.AmountCents)

	_, err = s.ReserveRefund(ctx, domain.Refund{OrderID: order.ID})
	require.ErrorIs(t, err, store.ErrInvalidInput)

	settled, err := s.SettleRefund(ctx, first.ID, "cashrf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RefundStatusSettled, settled.Status)
	assert.Equal(t, "cashrf-1", settled.Reference)

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, got.Status)

	_, err = s.SettleRefund(ctx, rest.ID, "cashrf-2")
	require.NoError(t, err)
	got, err = s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, got.Status)

	refunded, err := s.RefundedCents(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1209), refunded)

	_, err = s.SettleRefund(ctx, first.ID, "again")
	require.ErrorIs(t, err, store.ErrNotFound, "settled refunds cannot be settled twice")

	_, err = s.ReserveRefund(ctx, domain.Refund{OrderID: "missing", AmountCents: 1})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReleasedRefundFreesTheAmount(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	order, err := s.CreateOrder(ctx, domain.Order{
		Lines:      []domain.CartLine{{ProductID: "SKU-EGGS-12", Qty: 1, UnitEffectivePriceCents: 459}},
		TotalCents: 505,
	})
	require.NoError(t, err)

	reserved, err := s.ReserveRefund(ctx, domain.Refund{OrderID: order.ID})
	require.NoError(t, err)
	require.NoError(t, s.ReleaseRefund(ctx, reserved.ID))
	assert.ErrorIs(t, s.ReleaseRefund(ctx, reserved.ID), store.ErrNotFound)

	refunded, err := s.RefundedCents(ctx, order.ID)
	require.NoError(t, err)
	assert.Zero(t, refunded)

	_, err = s.ReserveRefund(ctx, domain.Refund{OrderID: order.ID, AmountCents: 505})
	assert.NoError(t, err)
}

func TestUpdateKeepsActiveFlagAndCreationTime(t *testing.T) {
	s := New()
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := s.CreateDiscount(ctx, domain.Discount{ID: "d1", Name: "Spring", Type: domain.DiscountPercentage, Percent: 5, CreatedAt: created})
	require.NoError(t, err)
	updated, err := s.UpdateDiscount(ctx, domain.Discount{ID: "d1", Name: "Spring+", Type: domain.DiscountPercentage, Percent: 12, Active: true})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, created, updated.CreatedAt)
	assert.Equal(t, 12.0, updated.Percent)

	_, err = s.UpdateDiscount(ctx, domain.Discount{ID: "nope", Name: "X", Type: domain.DiscountBOGO})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreatePricingRule(ctx, domain.PricingRule{ID: "r1", Name: "Lunch", Type: domain.RuleTimeOfDay, Percent: 10, TimeStart: "11:00", TimeEnd: "13:00", Active: true})
	require.NoError(t, err)
	rule, err := s.UpdatePricingRule(ctx, domain.PricingRule{ID: "r1", Name: "Lunch", Type: domain.RuleTimeOfDay, Percent: 15, TimeStart: "11:30", TimeEnd: "13:30"})
	require.NoError(t, err)
	assert.True(t, rule.Active)
	assert.Equal(t, "11:30", rule.TimeStart)
}

func TestAuditLogsNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, action := range []string{"discount.create", "discount.update", "refund.settle"} {
		require.NoError(t, s.CreateAuditLog(ctx, domain.AuditLog{Action: action, EntityType: "discount", CreatedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	assert.ErrorIs(t, s.CreateAuditLog(ctx, domain.AuditLog{}), store.ErrInvalidInput)

	entries, err := s.ListAuditLogs(ctx, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "refund.settle", entries[0].Action)
	assert.NotEmpty(t, entries[0].ID)

	entries, err = s.ListAuditLogs(ctx, base.Add(30*time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestActiveListsFilterOnFlagOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	past := time.Now().Add(-48 * time.Hour)

	_, err := s.CreateDiscount(ctx, domain.Discount{ID: "expired", Name: "Old", Type: domain.DiscountPercentage, Percent: 5, Active: true, ValidUntil: past})
	require.NoError(t, err)
	_, err = s.CreateDiscount(ctx, domain.Discount{ID: "off", Name: "Off", Type: domain.DiscountPercentage, Percent: 5})
	require.NoError(t, err)

	active, err := s.ListActiveDiscounts(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "expired", active[0].ID)

	_, err = s.CreatePricingRule(ctx, domain.PricingRule{ID: "r1", Name: "Happy hour", Type: domain.RuleTimeOfDay, Percent: 10, TimeStart: "16:00", TimeEnd: "18:00", Active: true})
	require.NoError(t, err)
	_, err = s.UpdatePricingRuleActive(ctx, "r1", false)
	require.NoError(t, err)
	rules, err := s.ListActivePricingRules(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, rules)

	require.ErrorIs(t, s.DeletePricingRule(ctx, "nope"), store.ErrNotFound)
}

func TestQueryEventsAndAlerts(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.AppendEvent(ctx, domain.CheckoutEvent{StationID: "st-1", ItemID: "a", Action: domain.ActionAddItem, Timestamp: base.Add(time.Minute)}))
	require.NoError(t, s.AppendEvent(ctx, domain.CheckoutEvent{StationID: "st-1", ItemID: "a", Action: domain.ActionRemoveItem, Timestamp: base.Add(2 * time.Minute)}))
	require.NoError(t, s.AppendEvent(ctx, domain.CheckoutEvent{StationID: "st-2", ItemID: "a", Action: domain.ActionAddItem, Timestamp: base}))
	require.ErrorIs(t, s.AppendEvent(ctx, domain.CheckoutEvent{Action: domain.ActionAddItem}), store.ErrInvalidInput)

	adds, err := s.QueryEvents(ctx, store.EventFilter{ItemID: "a", Action: domain.ActionAddItem})
	require.NoError(t, err)
	require.Len(t, adds, 2)
	assert.Equal(t, "st-2", adds[0].StationID, "ordered by timestamp")

	recent, err := s.QueryEvents(ctx, store.EventFilter{StationID: "st-1", Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.ActionRemoveItem, recent[0].Action)

	require.NoError(t, s.AppendAlert(ctx, domain.Alert{StationID: "st-1", Rule: "r", Severity: domain.SeverityHigh, Timestamp: base}))
	require.NoError(t, s.AppendAlert(ctx, domain.Alert{StationID: "st-2", Rule: "r", Severity: domain.SeverityMedium, Timestamp: base.Add(time.Minute)}))

	alerts, err := s.ListAlerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "st-2", alerts[0].StationID, "newest first")
	assert.Equal(t, domain.AlertStatusOpen, alerts[0].Status)

	high, err := s.ListAlerts(ctx, store.AlertFilter{Severity: domain.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "st-1", high[0].StationID)
}
