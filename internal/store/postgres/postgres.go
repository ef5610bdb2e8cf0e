package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// New connects and brings the schema up to date before returning.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const productColumns = `id, name, category, price_cents, stock, active`

func scanProduct(row interface{ Scan(...any) error }) (domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.PriceCents, &p.Stock, &p.Active)
	return p, err
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.Stock < 0 {
		return nil, store.ErrInvalidInput
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, name, category, price_cents, stock, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
	`, product.ID, product.Name, product.Category, product.PriceCents, product.Stock, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) UpdateProductActive(ctx context.Context, id string, active bool) (*domain.Product, error) {
	product, err := scanProduct(s.db.QueryRowContext(ctx, `
		UPDATE products
		SET active = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns, id, active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

const discountColumns = `id, name, type, percent, active, valid_until, min_purchase_cents, max_discount_cents, created_at`

func scanDiscount(row interface{ Scan(...any) error }) (domain.Discount, error) {
	var d domain.Discount
	var discountType string
	err := row.Scan(&d.ID, &d.Name, &discountType, &d.Percent, &d.Active, &d.ValidUntil, &d.MinPurchaseCents, &d.MaxDiscountCents, &d.CreatedAt)
	d.Type = domain.DiscountType(discountType)
	d.ValidUntil = d.ValidUntil.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return d, err
}

func (s *Store) ListActiveDiscounts(ctx context.Context, _ time.Time) ([]domain.Discount, error) {
	return s.listDiscounts(ctx, true)
}

func (s *Store) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	return s.listDiscounts(ctx, false)
}

func (s *Store) listDiscounts(ctx context.Context, activeOnly bool) ([]domain.Discount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+discountColumns+`
		FROM discounts
		WHERE active OR NOT $1
		ORDER BY created_at, id
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Discount, 0, 16)
	for rows.Next() {
		d, err := scanDiscount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error) {
	if strings.TrimSpace(discount.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if discount.Type != domain.DiscountPercentage && discount.Type != domain.DiscountBOGO {
		return nil, store.ErrInvalidInput
	}
	if discount.ID == "" {
		discount.ID = xid.New("dsc")
	}
	if discount.CreatedAt.IsZero() {
		discount.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discounts (`+discountColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, discount.ID, discount.Name, string(discount.Type), discount.Percent, discount.Active, discount.ValidUntil,
		discount.MinPurchaseCents, discount.MaxDiscountCents, discount.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	created := discount
	return &created, nil
}

func (s *Store) UpdateDiscountActive(ctx context.Context, id string, active bool) (*domain.Discount, error) {
	d, err := scanDiscount(s.db.QueryRowContext(ctx, `
		UPDATE discounts
		SET active = $2
		WHERE id = $1
		RETURNING `+discountColumns, id, active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// UpdateDiscount replaces the editable fields; active and created_at stay.
func (s *Store) UpdateDiscount(ctx context.Context, discount domain.Discount) (*domain.Discount, error) {
	if strings.TrimSpace(discount.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if discount.Type != domain.DiscountPercentage && discount.Type != domain.DiscountBOGO {
		return nil, store.ErrInvalidInput
	}

	d, err := scanDiscount(s.db.QueryRowContext(ctx, `
		UPDATE discounts
		SET name = $2, type = $3, percent = $4, valid_until = $5, min_purchase_cents = $6, max_discount_cents = $7
		WHERE id = $1
		RETURNING `+discountColumns, discount.ID, discount.Name, string(discount.Type), discount.Percent,
		discount.ValidUntil, discount.MinPurchaseCents, discount.MaxDiscountCents))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) DeleteDiscount(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM discounts WHERE id = $1`, id)
}

const ruleColumns = `id, name, type, percent, amount_cents, time_start, time_end, starts_at, ends_at, active, created_at`

func scanRule(row interface{ Scan(...any) error }) (domain.PricingRule, error) {
	var (
		r         domain.PricingRule
		ruleType  string
		timeStart sql.NullString
		timeEnd   sql.NullString
		startsAt  sql.NullTime
		endsAt    sql.NullTime
	)
	err := row.Scan(&r.ID, &r.Name, &ruleType, &r.Percent, &r.AmountCents, &timeStart, &timeEnd, &startsAt, &endsAt, &r.Active, &r.CreatedAt)
	if err != nil {
		return domain.PricingRule{}, err
	}
	r.Type = domain.PricingRuleType(ruleType)
	r.TimeStart = timeStart.String
	r.TimeEnd = timeEnd.String
	if startsAt.Valid {
		t := startsAt.Time.UTC()
		r.StartsAt = &t
	}
	if endsAt.Valid {
		t := endsAt.Time.UTC()
		r.EndsAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *Store) ListActivePricingRules(ctx context.Context, _ time.Time) ([]domain.PricingRule, error) {
	return s.listRules(ctx, true)
}

func (s *Store) ListPricingRules(ctx context.Context) ([]domain.PricingRule, error) {
	return s.listRules(ctx, false)
}

func (s *Store) listRules(ctx context.Context, activeOnly bool) ([]domain.PricingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM pricing_rules
		WHERE active OR NOT $1
		ORDER BY created_at, id
	`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PricingRule, 0, 16)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreatePricingRule(ctx context.Context, rule domain.PricingRule) (*domain.PricingRule, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	switch rule.Type {
	case domain.RuleTimeOfDay, domain.RulePercentage, domain.RuleFixed:
	default:
		return nil, store.ErrInvalidInput
	}
	if rule.ID == "" {
		rule.ID = xid.New("prl")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_rules (`+ruleColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rule.ID, rule.Name, string(rule.Type), rule.Percent, rule.AmountCents,
		nullIfEmpty(rule.TimeStart), nullIfEmpty(rule.TimeEnd), nullTime(rule.StartsAt), nullTime(rule.EndsAt),
		rule.Active, rule.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}
	created := rule
	return &created, nil
}

func (s *Store) UpdatePricingRuleActive(ctx context.Context, id string, active bool) (*domain.PricingRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `
		UPDATE pricing_rules
		SET active = $2
		WHERE id = $1
		RETURNING `+ruleColumns, id, active))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdatePricingRule(ctx context.Context, rule domain.PricingRule) (*domain.PricingRule, error) {
	if strings.TrimSpace(rule.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	switch rule.Type {
	case domain.RuleTimeOfDay, domain.RulePercentage, domain.RuleFixed:
	default:
		return nil, store.ErrInvalidInput
	}

	r, err := scanRule(s.db.QueryRowContext(ctx, `
		UPDATE pricing_rules
		SET name = $2, type = $3, percent = $4, amount_cents = $5,
		    time_start = $6, time_end = $7, starts_at = $8, ends_at = $9
		WHERE id = $1
		RETURNING `+ruleColumns, rule.ID, rule.Name, string(rule.Type), rule.Percent, rule.AmountCents,
		nullIfEmpty(rule.TimeStart), nullIfEmpty(rule.TimeEnd), nullTime(rule.StartsAt), nullTime(rule.EndsAt)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (s *Store) DeletePricingRule(ctx context.Context, id string) error {
	return s.execOne(ctx, `DELETE FROM pricing_rules WHERE id = $1`, id)
}

func (s *Store) AppendEvent(ctx context.Context, event domain.CheckoutEvent) error {
	if event.StationID == "" || event.Action == "" {
		return store.ErrInvalidInput
	}
	if event.ID == "" {
		event.ID = xid.New("evt")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkout_events (id, session_id, station_id, item_id, action, value_cents, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, event.ID, event.SessionID, event.StationID, event.ItemID, string(event.Action), event.ValueCents, event.Timestamp.UTC())
	return err
}

func (s *Store) AppendAlert(ctx context.Context, alert domain.Alert) error {
	if alert.StationID == "" || alert.Rule == "" {
		return store.ErrInvalidInput
	}
	if alert.ID == "" {
		alert.ID = xid.New("alr")
	}
	if alert.Status == "" {
		alert.Status = domain.AlertStatusOpen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fraud_alerts (id, station_id, item_id, rule, severity, message, raised_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, alert.ID, alert.StationID, alert.ItemID, alert.Rule, string(alert.Severity), alert.Message, alert.Timestamp.UTC(), alert.Status)
	return err
}

// whereClause collects optional predicates with positional arguments.
type whereClause struct {
	parts []string
	args  []any
}

func (w *whereClause) add(expr string, arg any) {
	w.args = append(w.args, arg)
	w.parts = append(w.parts, fmt.Sprintf(expr, len(w.args)))
}

func (w *whereClause) String() string {
	if len(w.parts) == 0 {
		return ""
	}
	return "WHERE " + strings.Join(w.parts, " AND ")
}

func (s *Store) QueryEvents(ctx context.Context, filter store.EventFilter) ([]domain.CheckoutEvent, error) {
	var where whereClause
	if filter.StationID != "" {
		where.add("station_id = $%d", filter.StationID)
	}
	if filter.SessionID != "" {
		where.add("session_id = $%d", filter.SessionID)
	}
	if filter.ItemID != "" {
		where.add("item_id = $%d", filter.ItemID)
	}
	if filter.Action != "" {
		where.add("action = $%d", string(filter.Action))
	}
	if !filter.Since.IsZero() {
		where.add("occurred_at >= $%d", filter.Since.UTC())
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, station_id, item_id, action, value_cents, occurred_at
		FROM checkout_events
		`+where.String()+`
		ORDER BY occurred_at, id
	`, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CheckoutEvent, 0, 16)
	for rows.Next() {
		var ev domain.CheckoutEvent
		var action string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.StationID, &ev.ItemID, &action, &ev.ValueCents, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Action = domain.EventAction(action)
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListAlerts(ctx context.Context, filter store.AlertFilter) ([]domain.Alert, error) {
	var where whereClause
	if filter.StationID != "" {
		where.add("station_id = $%d", filter.StationID)
	}
	if filter.Severity != "" {
		where.add("severity = $%d", string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		where.add("raised_at >= $%d", filter.Since.UTC())
	}
	limit := ""
	if filter.Limit > 0 {
		limit = fmt.Sprintf("LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, item_id, rule, severity, message, raised_at, status
		FROM fraud_alerts
		`+where.String()+`
		ORDER BY raised_at DESC, id DESC
		`+limit, where.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Alert, 0, 16)
	for rows.Next() {
		var a domain.Alert
		var severity string
		if err := rows.Scan(&a.ID, &a.StationID, &a.ItemID, &a.Rule, &severity, &a.Message, &a.Timestamp, &a.Status); err != nil {
			return nil, err
		}
		a.Severity = domain.AlertSeverity(severity)
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOrder locks the ordered products, checks stock for every line and
// only then decrements, so a shortfall leaves the catalog untouched.
func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if len(order.Lines) == 0 || order.TotalCents < 0 {
		return nil, store.ErrInvalidInput
	}
	wanted := make(map[string]int, len(order.Lines))
	for _, line := range order.Lines {
		if line.Qty <= 0 || line.ProductID == "" {
			return nil, store.ErrInvalidInput
		}
		wanted[line.ProductID] += line.Qty
	}
	ids := make([]string, 0, len(wanted))
	for id := range wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = domain.OrderStatusPaid
	}
	linesJSON, err := json.Marshal(order.Lines)
	if err != nil {
		return nil, err
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	rows, err := pgTx.QueryContext(ctx, `
		SELECT id, stock
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	stock := make(map[string]int, len(ids))
	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stock[id] = qty
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, id := range ids {
		have, exists := stock[id]
		if !exists {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
		if have < wanted[id] {
			return nil, fmt.Errorf("product %s: %w", id, store.ErrInsufficientStock)
		}
	}
	for _, id := range ids {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $2, updated_at = now()
			WHERE id = $1
		`, id, wanted[id]); err != nil {
			return nil, err
		}
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO orders (
			id, session_id, station_id, lines, subtotal_cents, discount_id, discount_name, discount_cents,
			tax_rate_percent, tax_cents, total_cents, payment_method, payment_reference, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, order.ID, order.SessionID, order.StationID, linesJSON, order.SubtotalCents, order.DiscountID, order.DiscountName,
		order.DiscountCents, order.TaxRatePercent, order.TaxCents, order.TotalCents, order.PaymentMethod,
		order.PaymentReference, order.Status, order.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	created := order
	return &created, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var (
		order     domain.Order
		linesJSON []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, station_id, lines, subtotal_cents, discount_id, discount_name, discount_cents,
		       tax_rate_percent, tax_cents, total_cents, payment_method, payment_reference, status, created_at
		FROM orders
		WHERE id = $1
	`, id).Scan(&order.ID, &order.SessionID, &order.StationID, &linesJSON, &order.SubtotalCents, &order.DiscountID,
		&order.DiscountName, &order.DiscountCents, &order.TaxRatePercent, &order.TaxCents, &order.TotalCents,
		&order.PaymentMethod, &order.PaymentReference, &order.Status, &order.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(linesJSON, &order.Lines); err != nil {
		return nil, fmt.Errorf("decode order %s lines: %w", id, err)
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return &order, nil
}

// ReserveRefund serializes against the order row so concurrent refunds
// cannot together claim more than the order total.
func (s *Store) ReserveRefund(ctx context.Context, refund domain.Refund) (*domain.Refund, error) {
	if refund.AmountCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if refund.ID == "" {
		refund.ID = xid.New("rfd")
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	refund.Status = domain.RefundStatusPending

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var orderTotal int64
	err = pgTx.QueryRowContext(ctx, `
		SELECT total_cents
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, refund.OrderID).Scan(&orderTotal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var claimed int64
	if err := pgTx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0)
		FROM refunds
		WHERE order_id = $1
	`, refund.OrderID).Scan(&claimed); err != nil {
		return nil, err
	}
	remaining := orderTotal - claimed
	if refund.AmountCents == 0 {
		refund.AmountCents = remaining
	}
	if refund.AmountCents <= 0 || refund.AmountCents > remaining {
		return nil, store.ErrInvalidInput
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO refunds (id, order_id, amount_cents, reason, reference, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, refund.ID, refund.OrderID, refund.AmountCents, refund.Reason, refund.Reference, refund.Status, refund.CreatedAt.UTC())
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (s *Store) SettleRefund(ctx context.Context, id string, reference string) (*domain.Refund, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var refund domain.Refund
	err = pgTx.QueryRowContext(ctx, `
		UPDATE refunds
		SET status = $2, reference = $3
		WHERE id = $1 AND status = $4
		RETURNING id, order_id, amount_cents, reason, reference, status, created_at
	`, id, domain.RefundStatusSettled, reference, domain.RefundStatusPending).Scan(
		&refund.ID, &refund.OrderID, &refund.AmountCents, &refund.Reason, &refund.Reference, &refund.Status, &refund.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2
		WHERE id = $1
			AND total_cents <= (
				SELECT COALESCE(SUM(amount_cents), 0)
				FROM refunds
				WHERE order_id = $1 AND status = $3
			)
	`, refund.OrderID, domain.OrderStatusRefunded, domain.RefundStatusSettled); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	refund.CreatedAt = refund.CreatedAt.UTC()
	return &refund, nil
}

func (s *Store) ReleaseRefund(ctx context.Context, id string) error {
	return s.execOne(ctx, `
		DELETE FROM refunds
		WHERE id = $1 AND status = $2
	`, id, domain.RefundStatusPending)
}

func (s *Store) RefundedCents(ctx context.Context, orderID string) (int64, error) {
	var exists bool
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1),
		       COALESCE((SELECT SUM(amount_cents) FROM refunds WHERE order_id = $1), 0)
	`, orderID).Scan(&exists, &total)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, store.ErrNotFound
	}
	return total, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.Action == "" || entry.EntityType == "" {
		return store.ErrInvalidInput
	}
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt.UTC())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, since time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	return s.execOne(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
}

// execOne runs a write that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
