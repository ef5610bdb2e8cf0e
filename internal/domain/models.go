package domain

import "time"

type Product struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	PriceCents int64  `json:"price_cents"`
	Stock      int    `json:"stock"`
	Active     bool   `json:"active"`
}

type ProductCreateRequest struct {
	ID         string `json:"id" validate:"required,max=64"`
	Name       string `json:"name" validate:"required,max=120"`
	Category   string `json:"category" validate:"required,max=64"`
	PriceCents int64  `json:"price_cents" validate:"gte=1"`
	Stock      int    `json:"stock" validate:"gte=0"`
}

type Discount struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	Type             DiscountType `json:"type"`
	Percent          float64      `json:"percent"`
	Active           bool         `json:"active"`
	ValidUntil       time.Time    `json:"valid_until"`
	MinPurchaseCents int64        `json:"min_purchase_cents"`
	MaxDiscountCents int64        `json:"max_discount_cents"`
	CreatedAt        time.Time    `json:"created_at"`
}

type DiscountCreateRequest struct {
	Name             string       `json:"name" validate:"required,max=120"`
	Type             DiscountType `json:"type" validate:"required,oneof=percentage bogo"`
	Percent          float64      `json:"percent" validate:"gte=0,lte=100"`
	ValidUntil       time.Time    `json:"valid_until" validate:"required"`
	MinPurchaseCents int64        `json:"min_purchase_cents" validate:"gte=0"`
	MaxDiscountCents int64        `json:"max_discount_cents" validate:"gte=0"`
}

type PricingRule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        PricingRuleType `json:"type"`
	Percent     float64         `json:"percent"`
	AmountCents int64           `json:"amount_cents"`
	TimeStart   string          `json:"time_start,omitempty"`
	TimeEnd     string          `json:"time_end,omitempty"`
	StartsAt    *time.Time      `json:"starts_at,omitempty"`
	EndsAt      *time.Time      `json:"ends_at,omitempty"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"created_at"`
}

type PricingRuleCreateRequest struct {
	Name        string          `json:"name" validate:"required,max=120"`
	Type        PricingRuleType `json:"type" validate:"required,oneof=time_of_day percentage fixed"`
	Percent     float64         `json:"percent" validate:"gte=0,lte=100"`
	AmountCents int64           `json:"amount_cents" validate:"gte=0"`
	TimeStart   string          `json:"time_start,omitempty" validate:"omitempty,len=5"`
	TimeEnd     string          `json:"time_end,omitempty" validate:"omitempty,len=5"`
	StartsAt    *time.Time      `json:"starts_at,omitempty"`
	EndsAt      *time.Time      `json:"ends_at,omitempty"`
}

type ActiveToggleRequest struct {
	Active bool `json:"active"`
}

type CartLine struct {
	ProductID               string    `json:"product_id"`
	Name                    string    `json:"name"`
	UnitBasePriceCents      int64     `json:"unit_base_price_cents"`
	UnitEffectivePriceCents int64     `json:"unit_effective_price_cents"`
	Qty                     int       `json:"qty"`
	RuleID                  string    `json:"rule_id,omitempty"`
	PricedAt                time.Time `json:"priced_at"`
}

func (l CartLine) TotalCents() int64 {
	return l.UnitEffectivePriceCents * int64(l.Qty)
}

type CartMutation struct {
	Action    EventAction `json:"action"`
	ProductID string      `json:"product_id"`
	Qty       int         `json:"qty"`
}

type Totals struct {
	SubtotalCents  int64   `json:"subtotal_cents"`
	DiscountID     string  `json:"discount_id,omitempty"`
	DiscountName   string  `json:"discount_name,omitempty"`
	DiscountCents  int64   `json:"discount_cents"`
	TaxRatePercent float64 `json:"tax_rate_percent"`
	TaxCents       int64   `json:"tax_cents"`
	TotalCents     int64   `json:"total_cents"`
}

type CartView struct {
	SessionID  string     `json:"session_id"`
	StationID  string     `json:"station_id"`
	State      string     `json:"state"`
	Lines      []CartLine `json:"lines"`
	DiscountID string     `json:"discount_id,omitempty"`
	Totals     Totals     `json:"totals"`
}

type PayRequest struct {
	Method string `json:"method"`
}

type DiscountSelectRequest struct {
	DiscountID *string `json:"discount_id"`
}

type Order struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	StationID        string     `json:"station_id"`
	Lines            []CartLine `json:"lines"`
	SubtotalCents    int64      `json:"subtotal_cents"`
	DiscountID       string     `json:"discount_id,omitempty"`
	DiscountName     string     `json:"discount_name,omitempty"`
	DiscountCents    int64      `json:"discount_cents"`
	TaxRatePercent   float64    `json:"tax_rate_percent"`
	TaxCents         int64      `json:"tax_cents"`
	TotalCents       int64      `json:"total_cents"`
	PaymentMethod    string     `json:"payment_method"`
	PaymentReference string     `json:"payment_reference"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
}

type Receipt struct {
	Order       Order `json:"order"`
	AuditLogged bool  `json:"audit_logged"`
}

type RefundRequest struct {
	OrderID     string `json:"order_id" validate:"required"`
	AmountCents int64  `json:"amount_cents" validate:"gte=0"`
	Reason      string `json:"reason" validate:"max=200"`
	ManagerPIN  string `json:"manager_pin"`
}

type Refund struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	AmountCents int64     `json:"amount_cents"`
	Reason      string    `json:"reason"`
	Reference   string    `json:"reference"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// AuditLog records one back-office write and who made it.
type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CheckoutEvent struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	StationID  string      `json:"station_id"`
	ItemID     string      `json:"item_id,omitempty"`
	Action     EventAction `json:"action"`
	ValueCents int64       `json:"value_cents"`
	Timestamp  time.Time   `json:"timestamp"`
}

type Alert struct {
	ID        string        `json:"id"`
	StationID string        `json:"station_id"`
	ItemID    string        `json:"item_id,omitempty"`
	Rule      string        `json:"rule"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Status    string        `json:"status"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountBOGO       DiscountType = "bogo"
)

type PricingRuleType string

const (
	RuleTimeOfDay  PricingRuleType = "time_of_day"
	RulePercentage PricingRuleType = "percentage"
	RuleFixed      PricingRuleType = "fixed"
)

type EventAction string

const (
	ActionAddItem             EventAction = "add_item"
	ActionRemoveItem          EventAction = "remove_item"
	ActionDeleteItem          EventAction = "delete_item"
	ActionCompleteTransaction EventAction = "complete_transaction"
)

type AlertSeverity string

const (
	SeverityLow    AlertSeverity = "low"
	SeverityMedium AlertSeverity = "medium"
	SeverityHigh   AlertSeverity = "high"
)

const (
	AlertStatusOpen           = "open"
	AlertStatusResolved       = "resolved"
	AlertStatusFraudConfirmed = "fraud_confirmed"
)

const (
	OrderStatusPaid     = "paid"
	OrderStatusRefunded = "refunded"
)

const (
	RefundStatusPending = "pending"
	RefundStatusSettled = "settled"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
