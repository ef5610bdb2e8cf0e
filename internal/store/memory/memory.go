package memory

import (
	"cmp"
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	discountsByID   map[string]domain.Discount
	rulesByID       map[string]domain.PricingRule
	events          []domain.CheckoutEvent
	alerts          []domain.Alert
	ordersByID      map[string]domain.Order
	refundsByOrder  map[string][]domain.Refund
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

var _ store.Repository = (*Store)(nil)

// New returns an empty store without user accounts.
func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		discountsByID:   make(map[string]domain.Discount),
		rulesByID:       make(map[string]domain.PricingRule),
		events:          make([]domain.CheckoutEvent, 0, 256),
		alerts:          make([]domain.Alert, 0, 32),
		ordersByID:      make(map[string]domain.Order),
		refundsByOrder:  make(map[string][]domain.Refund),
		auditLogs:       make([]domain.AuditLog, 0, 32),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with a demo catalog and the admin and cashier
// accounts used in development mode.
func NewSeeded() *Store {
	s := New()
	for _, p := range []domain.Product{
		{ID: "SKU-MILK-1L", Name: "Whole Milk 1L", Category: "dairy", PriceCents: 249, Stock: 200},
		{ID: "SKU-BREAD-WW", Name: "Whole Wheat Bread", Category: "bakery", PriceCents: 399, Stock: 120},
		{ID: "SKU-COFFEE-500", Name: "Ground Coffee 500g", Category: "beverage", PriceCents: 1099, Stock: 80},
		{ID: "SKU-EGGS-12", Name: "Eggs, Dozen", Category: "grocery", PriceCents: 459, Stock: 150},
		{ID: "SKU-SOAP-3PK", Name: "Bar Soap 3-Pack", Category: "household", PriceCents: 649, Stock: 90},
		{ID: "SKU-HEADPHONES", Name: "Wireless Headphones", Category: "electronics", PriceCents: 15000, Stock: 15},
		{ID: "SKU-BLENDER", Name: "Countertop Blender", Category: "appliances", PriceCents: 8999, Stock: 10},
	} {
		p.Active = true
		s.products[p.ID] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the in-memory accounts for dev/demo mode. Passwords come
// from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD, falling back to dev
// defaults with a warning. Production runs against PostgreSQL.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Msg("memory store using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmp.Compare(a.Name, b.Name)
		}
		return cmp.Compare(a.Category, b.Category)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	product.Active = true
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) UpdateProductActive(_ context.Context, id string, active bool) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	product.Active = active
	s.products[id] = product
	updated := product
	return &updated, nil
}

func (s *Store) ListActiveDiscounts(_ context.Context, _ time.Time) ([]domain.Discount, error) {
	return s.listDiscounts(true), nil
}

func (s *Store) ListDiscounts(_ context.Context) ([]domain.Discount, error) {
	return s.listDiscounts(false), nil
}

func (s *Store) listDiscounts(activeOnly bool) []domain.Discount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Discount, 0, len(s.discountsByID))
	for _, d := range s.discountsByID {
		if activeOnly && !d.Active {
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b domain.Discount) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) CreateDiscount(_ context.Context, discount domain.Discount) (*domain.Discount, error) {
	if strings.TrimSpace(discount.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if discount.Type != domain.DiscountPercentage && discount.Type != domain.DiscountBOGO {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if discount.ID == "" {
		discount.ID = xid.New("dsc")
	}
	if discount.CreatedAt.IsZero() {
		discount.CreatedAt = time.Now().UTC()
	}
	s.discountsByID[discount.ID] = discount
	created := discount
	return &created, nil
}

func (s *Store) UpdateDiscountActive(_ context.Context, id string, active bool) (*domain.Discount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	discount, exists := s.discountsByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	discount.Active = active
	s.discountsByID[id] = discount
	updated := discount
	return &updated, nil
}

// UpdateDiscount replaces the editable fields of an existing discount. The
// active flag and creation time stay as stored.
func (s *Store) UpdateDiscount(_ context.Context, discount domain.Discount) (*domain.Discount, error) {
	if strings.TrimSpace(discount.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if discount.Type != domain.DiscountPercentage && discount.Type != domain.DiscountBOGO {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.discountsByID[discount.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	discount.Active = current.Active
	discount.CreatedAt = current.CreatedAt
	s.discountsByID[discount.ID] = discount
	updated := discount
	return &updated, nil
}

func (s *Store) DeleteDiscount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.discountsByID[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.discountsByID, id)
	return nil
}

func (s *Store) ListActivePricingRules(_ context.Context, _ time.Time) ([]domain.PricingRule, error) {
	return s.listRules(true), nil
}

func (s *Store) ListPricingRules(_ context.Context) ([]domain.PricingRule, error) {
	return s.listRules(false), nil
}

func (s *Store) listRules(activeOnly bool) []domain.PricingRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PricingRule, 0, len(s.rulesByID))
	for _, r := range s.rulesByID {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.PricingRule) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (s *Store) CreatePricingRule(_ context.Context, rule domain.PricingRule) (*domain.PricingRule, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	switch rule.Type {
	case domain.RuleTimeOfDay, domain.RulePercentage, domain.RuleFixed:
	default:
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = xid.New("prl")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	s.rulesByID[rule.ID] = rule
	created := rule
	return &created, nil
}

func (s *Store) UpdatePricingRuleActive(_ context.Context, id string, active bool) (*domain.PricingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rulesByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	rule.Active = active
	s.rulesByID[id] = rule
	updated := rule
	return &updated, nil
}

func (s *Store) UpdatePricingRule(_ context.Context, rule domain.PricingRule) (*domain.PricingRule, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	switch rule.Type {
	case domain.RuleTimeOfDay, domain.RulePercentage, domain.RuleFixed:
	default:
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.rulesByID[rule.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	rule.Active = current.Active
	rule.CreatedAt = current.CreatedAt
	s.rulesByID[rule.ID] = rule
	updated := rule
	return &updated, nil
}

func (s *Store) DeletePricingRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rulesByID[id]; !exists {
		return store.ErrNotFound
	}
	delete(s.rulesByID, id)
	return nil
}

func (s *Store) AppendEvent(_ context.Context, event domain.CheckoutEvent) error {
	if event.StationID == "" || event.Action == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *Store) AppendAlert(_ context.Context, alert domain.Alert) error {
	if alert.StationID == "" || alert.Rule == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.ID == "" {
		alert.ID = xid.New("alr")
	}
	if alert.Status == "" {
		alert.Status = domain.AlertStatusOpen
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *Store) QueryEvents(_ context.Context, filter store.EventFilter) ([]domain.CheckoutEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CheckoutEvent, 0, 16)
	for _, ev := range s.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.CheckoutEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}

func (s *Store) ListAlerts(_ context.Context, filter store.AlertFilter) ([]domain.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Alert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if filter.StationID != "" && a.StationID != filter.StationID {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		if !filter.Since.IsZero() && a.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, a)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 || order.TotalCents < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]int, len(order.Lines))
	for _, line := range order.Lines {
		if line.Qty <= 0 {
			return nil, store.ErrInvalidInput
		}
		wanted[line.ProductID] += line.Qty
	}
	for id, qty := range wanted {
		product, exists := s.products[id]
		if !exists {
			return nil, store.ErrNotFound
		}
		if product.Stock < qty {
			return nil, store.ErrInsufficientStock
		}
	}
	for id, qty := range wanted {
		product := s.products[id]
		product.Stock -= qty
		s.products[id] = product
	}

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPaid
	}
	order.Lines = slices.Clone(order.Lines)
	s.ordersByID[order.ID] = order
	return cloneOrder(order), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) ReserveRefund(_ context.Context, refund domain.Refund) (*domain.Refund, error) {
	if refund.AmountCents < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[refund.OrderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	var claimed int64
	for _, r := range s.refundsByOrder[order.ID] {
		claimed += r.AmountCents
	}
	remaining := order.TotalCents - claimed
	if refund.AmountCents == 0 {
		refund.AmountCents = remaining
	}
	if refund.AmountCents <= 0 || refund.AmountCents > remaining {
		return nil, store.ErrInvalidInput
	}

	if refund.ID == "" {
		refund.ID = xid.New("rfd")
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	refund.Status = domain.RefundStatusPending
	s.refundsByOrder[order.ID] = append(s.refundsByOrder[order.ID], refund)
	reserved := refund
	return &reserved, nil
}

// SettleRefund marks the order refunded once settled refunds reach its total.
func (s *Store) SettleRefund(_ context.Context, id string, reference string) (*domain.Refund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, idx, ok := s.findPendingRefund(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	refunds := s.refundsByOrder[orderID]
	refunds[idx].Status = domain.RefundStatusSettled
	refunds[idx].Reference = reference

	var settled int64
	for _, r := range refunds {
		if r.Status == domain.RefundStatusSettled {
			settled += r.AmountCents
		}
	}
	order := s.ordersByID[orderID]
	if settled >= order.TotalCents {
		order.Status = domain.OrderStatusRefunded
		s.ordersByID[orderID] = order
	}
	out := refunds[idx]
	return &out, nil
}

func (s *Store) ReleaseRefund(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, idx, ok := s.findPendingRefund(id)
	if !ok {
		return store.ErrNotFound
	}
	s.refundsByOrder[orderID] = slices.Delete(s.refundsByOrder[orderID], idx, idx+1)
	return nil
}

// findPendingRefund must be called with s.mu held.
func (s *Store) findPendingRefund(id string) (string, int, bool) {
	for orderID, refunds := range s.refundsByOrder {
		for i, r := range refunds {
			if r.ID == id && r.Status == domain.RefundStatusPending {
				return orderID, i, true
			}
		}
	}
	return "", 0, false
}

func (s *Store) RefundedCents(_ context.Context, orderID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.ordersByID[orderID]; !exists {
		return 0, store.ErrNotFound
	}
	var total int64
	for _, r := range s.refundsByOrder[orderID] {
		total += r.AmountCents
	}
	return total, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.Action == "" || entry.EntityType == "" {
		return store.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, since time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, min(limit, len(s.auditLogs)))
	for i := len(s.auditLogs) - 1; i >= 0 && len(out) < limit; i-- {
		entry := s.auditLogs[i]
		if !since.IsZero() && entry.CreatedAt.Before(since) {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneOrder(src domain.Order) *domain.Order {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return &dst
}
