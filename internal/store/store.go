package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tillpoint/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// LogWriteError reports a failed EventLog append. Kind is "event" or "alert".
type LogWriteError struct {
	Kind string
	ID   string
	Err  error
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("append %s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *LogWriteError) Unwrap() error { return e.Err }

// Catalog is the read side the checkout core depends on. The list calls
// filter on the active flag only; time windows are evaluated by the caller.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListActiveDiscounts(ctx context.Context, now time.Time) ([]domain.Discount, error)
	ListActivePricingRules(ctx context.Context, now time.Time) ([]domain.PricingRule, error)
}

// EventFilter narrows QueryEvents. Zero-valued fields do not filter.
type EventFilter struct {
	StationID string
	SessionID string
	ItemID    string
	Action    domain.EventAction
	Since     time.Time
}

// Matches reports whether ev satisfies every set field of f.
func (f EventFilter) Matches(ev domain.CheckoutEvent) bool {
	if f.StationID != "" && ev.StationID != f.StationID {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.ItemID != "" && ev.ItemID != f.ItemID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

type AlertFilter struct {
	StationID string
	Severity  domain.AlertSeverity
	Since     time.Time
	Limit     int
}

// EventLog is append-only: nothing in the core updates or deletes records.
type EventLog interface {
	AppendEvent(ctx context.Context, event domain.CheckoutEvent) error
	AppendAlert(ctx context.Context, alert domain.Alert) error
	QueryEvents(ctx context.Context, filter EventFilter) ([]domain.CheckoutEvent, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]domain.Alert, error)
}

// Orders persists paid orders. CreateOrder decrements stock for every line
// and fails with ErrInsufficientStock without side effects when it cannot.
//
// Refunds are two-phase. ReserveRefund claims an amount as pending while
// holding the order, so pending and settled refunds together never exceed
// the order total; a zero AmountCents claims whatever remains and a claim
// that does not fit is ErrInvalidInput. SettleRefund confirms a pending
// refund once the processor has paid it out, and ReleaseRefund drops one
// whose processor call failed. RefundedCents counts pending and settled.
type Orders interface {
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ReserveRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error)
	SettleRefund(ctx context.Context, id string, reference string) (*domain.Refund, error)
	ReleaseRefund(ctx context.Context, id string) error
	RefundedCents(ctx context.Context, orderID string) (int64, error)
}

// BackOffice holds the manager-side writes against the catalog.
type BackOffice interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProductActive(ctx context.Context, id string, active bool) (*domain.Product, error)
	ListDiscounts(ctx context.Context) ([]domain.Discount, error)
	CreateDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error)
	UpdateDiscountActive(ctx context.Context, id string, active bool) (*domain.Discount, error)
	UpdateDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error)
	DeleteDiscount(ctx context.Context, id string) error
	ListPricingRules(ctx context.Context) ([]domain.PricingRule, error)
	CreatePricingRule(ctx context.Context, rule domain.PricingRule) (*domain.PricingRule, error)
	UpdatePricingRuleActive(ctx context.Context, id string, active bool) (*domain.PricingRule, error)
	UpdatePricingRule(ctx context.Context, rule domain.PricingRule) (*domain.PricingRule, error)
	DeletePricingRule(ctx context.Context, id string) error
}

// AuditTrail keeps the back-office write history, newest first on read.
type AuditTrail interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, since time.Time, limit int) ([]domain.AuditLog, error)
}

type Users interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Repository is everything a concrete backend provides.
type Repository interface {
	Catalog
	EventLog
	Orders
	BackOffice
	AuditTrail
	Users
}
