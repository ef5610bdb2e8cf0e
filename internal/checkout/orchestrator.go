// Package checkout drives one self-checkout session per station: cart
// mutations, discount selection and payment.
//
// Lines are priced when they are rung up and keep that price for the rest of
// the session. A pricing rule that changes mid-session only affects units
// added afterwards, which is what the receipt audit expects.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tillpoint/backend/internal/discount"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/fraud"
	"tillpoint/backend/internal/metrics"
	"tillpoint/backend/internal/money"
	"tillpoint/backend/internal/payment"
	"tillpoint/backend/internal/pricing"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

type State string

const (
	StateShopping        State = "shopping"
	StateAwaitingPayment State = "awaiting_payment"
	StateCompleted       State = "completed"
)

type Config struct {
	TaxRatePercent float64
	Currency       string
	PaymentTimeout time.Duration
	// Location is the store's wall clock for time-of-day pricing.
	Location *time.Location
}

type Deps struct {
	Catalog   store.Catalog
	Events    store.EventLog
	Orders    store.Orders
	Payments  payment.Registry
	Fraud     *fraud.Engine
	Evaluator discount.Evaluator
	Metrics   *metrics.Metrics
	Clock     func() time.Time
}

type Orchestrator struct {
	catalog   store.Catalog
	events    store.EventLog
	orders    store.Orders
	payments  payment.Registry
	fraud     *fraud.Engine
	evaluator discount.Evaluator
	metrics   *metrics.Metrics
	clock     func() time.Time
	cfg       Config

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu         sync.Mutex
	id         string
	stationID  string
	state      State
	lines      []domain.CartLine
	discountID string
	closed     bool
}

func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Orchestrator{
		catalog:   deps.Catalog,
		events:    deps.Events,
		orders:    deps.Orders,
		payments:  deps.Payments,
		fraud:     deps.Fraud,
		evaluator: deps.Evaluator,
		metrics:   deps.Metrics,
		clock:     clock,
		cfg:       cfg,
		sessions:  make(map[string]*session),
	}
}

// acquire returns the station's live session, locked. A session closed by a
// completed payment or an abandon is replaced by a fresh one.
func (o *Orchestrator) acquire(stationID string) *session {
	for {
		o.mu.Lock()
		sess, ok := o.sessions[stationID]
		if !ok {
			sess = &session{id: xid.New("ses"), stationID: stationID, state: StateShopping}
			o.sessions[stationID] = sess
		}
		o.mu.Unlock()

		sess.mu.Lock()
		if !sess.closed {
			return sess
		}
		sess.mu.Unlock()
	}
}

// retire must be called with sess.mu held.
func (o *Orchestrator) retire(sess *session) {
	sess.closed = true
	o.mu.Lock()
	if o.sessions[sess.stationID] == sess {
		delete(o.sessions, sess.stationID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) now() time.Time {
	return o.clock().In(o.cfg.Location)
}

// Cart returns the current cart with a totals preview.
func (o *Orchestrator) Cart(ctx context.Context, stationID string) (domain.CartView, error) {
	sess := o.acquire(stationID)
	defer sess.mu.Unlock()
	return o.view(ctx, sess, o.now()), nil
}

// MutateCart applies one add, remove or delete. Every applied mutation is
// logged as a CheckoutEvent and run through the fraud engine; neither can
// block the cart update.
func (o *Orchestrator) MutateCart(ctx context.Context, stationID string, m domain.CartMutation) (domain.CartView, error) {
	if m.ProductID == "" {
		return domain.CartView{}, fmt.Errorf("%w: product_id is required", ErrInvalidMutation)
	}
	if m.Action != domain.ActionDeleteItem && m.Qty <= 0 {
		return domain.CartView{}, fmt.Errorf("%w: qty must be positive", ErrInvalidMutation)
	}

	sess := o.acquire(stationID)
	defer sess.mu.Unlock()
	if sess.state == StateAwaitingPayment {
		return domain.CartView{}, ErrPaymentInProgress
	}

	now := o.now()
	var (
		value int64
		err   error
	)
	switch m.Action {
	case domain.ActionAddItem:
		value, err = o.addItem(ctx, sess, m.ProductID, m.Qty, now)
	case domain.ActionRemoveItem:
		value, err = removeUnits(sess, m.ProductID, m.Qty)
	case domain.ActionDeleteItem:
		value, err = deleteProduct(sess, m.ProductID)
	default:
		err = fmt.Errorf("%w: unsupported action %q", ErrInvalidMutation, m.Action)
	}
	if err != nil {
		return domain.CartView{}, err
	}
	o.metrics.RecordMutation(string(m.Action))

	event := domain.CheckoutEvent{
		ID:         xid.New("evt"),
		SessionID:  sess.id,
		StationID:  sess.stationID,
		ItemID:     m.ProductID,
		Action:     m.Action,
		ValueCents: value,
		Timestamp:  now.UTC(),
	}
	if err := o.events.AppendEvent(ctx, event); err != nil {
		o.metrics.RecordLogWriteFailure("event")
		log.Warn().Err(err).
			Str("station_id", event.StationID).
			Str("action", string(event.Action)).
			Msg("event log append failed")
	}
	if o.fraud != nil {
		if _, err := o.fraud.Process(ctx, event); err != nil {
			log.Warn().Err(err).Str("station_id", event.StationID).Msg("fraud alerts not fully recorded")
		}
	}

	return o.view(ctx, sess, now), nil
}

func (o *Orchestrator) addItem(ctx context.Context, sess *session, productID string, qty int, now time.Time) (int64, error) {
	product, err := o.catalog.GetProduct(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("product %s: %w", productID, err)
	}
	if !product.Active {
		return 0, fmt.Errorf("product %s: %w", productID, store.ErrNotFound)
	}
	if unitsInCart(sess.lines, productID)+qty > product.Stock {
		return 0, fmt.Errorf("product %s: %w", productID, store.ErrInsufficientStock)
	}

	rules, err := o.catalog.ListActivePricingRules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list pricing rules: %w", err)
	}
	quote := pricing.Resolve(product.PriceCents, rules, now)

	for i := range sess.lines {
		line := &sess.lines[i]
		if line.ProductID == productID &&
			line.UnitBasePriceCents == quote.BaseCents &&
			line.UnitEffectivePriceCents == quote.EffectiveCents &&
			line.RuleID == quote.RuleID {
			line.Qty += qty
			return quote.EffectiveCents * int64(qty), nil
		}
	}
	sess.lines = append(sess.lines, domain.CartLine{
		ProductID:               productID,
		Name:                    product.Name,
		UnitBasePriceCents:      quote.BaseCents,
		UnitEffectivePriceCents: quote.EffectiveCents,
		Qty:                     qty,
		RuleID:                  quote.RuleID,
		PricedAt:                now.UTC(),
	})
	return quote.EffectiveCents * int64(qty), nil
}

// removeUnits takes qty units of a product out of the cart, newest lines
// first, and returns their value.
func removeUnits(sess *session, productID string, qty int) (int64, error) {
	have := unitsInCart(sess.lines, productID)
	if have == 0 {
		return 0, fmt.Errorf("product %s not in cart: %w", productID, store.ErrNotFound)
	}
	if qty > have {
		return 0, fmt.Errorf("%w: cannot remove %d of %s, cart holds %d", ErrInvalidMutation, qty, productID, have)
	}

	var value int64
	remaining := qty
	for i := len(sess.lines) - 1; i >= 0 && remaining > 0; i-- {
		line := &sess.lines[i]
		if line.ProductID != productID {
			continue
		}
		take := min(line.Qty, remaining)
		line.Qty -= take
		remaining -= take
		value += line.UnitEffectivePriceCents * int64(take)
	}
	sess.lines = slices.DeleteFunc(sess.lines, func(l domain.CartLine) bool { return l.Qty == 0 })
	return value, nil
}

func deleteProduct(sess *session, productID string) (int64, error) {
	var value int64
	found := false
	sess.lines = slices.DeleteFunc(sess.lines, func(l domain.CartLine) bool {
		if l.ProductID != productID {
			return false
		}
		found = true
		value += l.TotalCents()
		return true
	})
	if !found {
		return 0, fmt.Errorf("product %s not in cart: %w", productID, store.ErrNotFound)
	}
	return value, nil
}

func unitsInCart(lines []domain.CartLine, productID string) int {
	n := 0
	for _, l := range lines {
		if l.ProductID == productID {
			n += l.Qty
		}
	}
	return n
}

// SelectDiscount sets or clears (nil) the session's discount and returns the
// resulting preview. An ID that is not among the active discounts is
// ErrNotFound.
func (o *Orchestrator) SelectDiscount(ctx context.Context, stationID string, discountID *string) (domain.CartView, error) {
	sess := o.acquire(stationID)
	defer sess.mu.Unlock()
	if sess.state == StateAwaitingPayment {
		return domain.CartView{}, ErrPaymentInProgress
	}

	now := o.now()
	if discountID == nil || *discountID == "" {
		sess.discountID = ""
		return o.view(ctx, sess, now), nil
	}

	discounts, err := o.catalog.ListActiveDiscounts(ctx, now)
	if err != nil {
		return domain.CartView{}, fmt.Errorf("list discounts: %w", err)
	}
	if findDiscount(discounts, *discountID) == nil {
		return domain.CartView{}, fmt.Errorf("discount %s: %w", *discountID, store.ErrNotFound)
	}
	sess.discountID = *discountID
	return o.totalsView(sess, discounts, now), nil
}

// Abandon discards the station's cart. Nothing is persisted.
func (o *Orchestrator) Abandon(_ context.Context, stationID string) error {
	sess := o.acquire(stationID)
	defer sess.mu.Unlock()
	if sess.state == StateAwaitingPayment {
		return ErrPaymentInProgress
	}
	if len(sess.lines) > 0 {
		log.Info().Str("station_id", stationID).Str("session_id", sess.id).Int("lines", len(sess.lines)).Msg("session abandoned")
	}
	o.retire(sess)
	return nil
}

// Pay charges the cart through the processor registered for method.
//
// Discounts are fetched once and that snapshot drives subtotal, discount and
// tax. While the processor runs the session rejects mutations. On decline,
// timeout or processor error the session returns to shopping with the cart
// untouched and a *PaymentError is returned. On success the order is
// persisted, a complete_transaction event appended and the cart cleared; if
// only that event fails, the receipt is returned together with a
// *store.LogWriteError.
func (o *Orchestrator) Pay(ctx context.Context, stationID string, method string) (*domain.Receipt, error) {
	processor, err := o.payments.Get(method)
	if err != nil {
		return nil, err
	}

	sess := o.acquire(stationID)
	if sess.state == StateAwaitingPayment {
		sess.mu.Unlock()
		return nil, ErrPaymentInProgress
	}
	if len(sess.lines) == 0 {
		sess.mu.Unlock()
		return nil, ErrEmptyCart
	}

	now := o.now()
	discounts, err := o.catalog.ListActiveDiscounts(ctx, now)
	if err != nil {
		sess.mu.Unlock()
		return nil, fmt.Errorf("list discounts: %w", err)
	}
	lines := slices.Clone(sess.lines)
	selected := findDiscount(discounts, sess.discountID)
	if sess.discountID != "" && selected == nil {
		log.Warn().Str("station_id", stationID).Str("discount_id", sess.discountID).Msg("selected discount no longer active; paying without it")
	}
	totals := o.computeTotals(lines, selected, now)

	sess.state = StateAwaitingPayment
	sessionID := sess.id
	sess.mu.Unlock()

	order := domain.Order{
		ID:             xid.New("ord"),
		SessionID:      sessionID,
		StationID:      stationID,
		Lines:          lines,
		SubtotalCents:  totals.SubtotalCents,
		DiscountID:     totals.DiscountID,
		DiscountName:   totals.DiscountName,
		DiscountCents:  totals.DiscountCents,
		TaxRatePercent: totals.TaxRatePercent,
		TaxCents:       totals.TaxCents,
		TotalCents:     totals.TotalCents,
		PaymentMethod:  method,
		Status:         domain.OrderStatusPaid,
	}

	settlement, payErr := o.charge(ctx, processor, method, order)
	if payErr != nil {
		o.backToShopping(sess)
		o.metrics.RecordPaymentFailure(method, payErr.Reason)
		log.Warn().Err(payErr).Str("station_id", stationID).Int64("total_cents", order.TotalCents).Msg("payment failed")
		return nil, payErr
	}

	order.PaymentReference = settlement.Reference
	order.CreatedAt = o.clock().UTC()
	saved, err := o.orders.CreateOrder(ctx, order)
	if err != nil {
		compErr := o.compensate(ctx, processor, method, order, err)
		o.backToShopping(sess)
		o.metrics.RecordPaymentFailure(method, compErr.Reason)
		return nil, compErr
	}
	o.metrics.RecordCheckout(method, saved.TotalCents)

	receipt := &domain.Receipt{Order: *saved, AuditLogged: true}
	var logErr error
	event := domain.CheckoutEvent{
		ID:         xid.New("evt"),
		SessionID:  sessionID,
		StationID:  stationID,
		Action:     domain.ActionCompleteTransaction,
		ValueCents: saved.TotalCents,
		Timestamp:  o.clock().UTC(),
	}
	if err := o.events.AppendEvent(ctx, event); err != nil {
		o.metrics.RecordLogWriteFailure("event")
		receipt.AuditLogged = false
		logErr = &store.LogWriteError{Kind: "event", ID: event.ID, Err: err}
		log.Error().Err(err).
			Str("order_id", saved.ID).
			Str("station_id", stationID).
			Int64("total_cents", saved.TotalCents).
			Msg("order committed without audit trail")
	}

	sess.mu.Lock()
	sess.state = StateCompleted
	sess.lines = nil
	sess.discountID = ""
	o.retire(sess)
	sess.mu.Unlock()

	return receipt, logErr
}

func (o *Orchestrator) charge(ctx context.Context, processor payment.Processor, method string, order domain.Order) (payment.Settlement, *PaymentError) {
	payCtx := ctx
	if o.cfg.PaymentTimeout > 0 {
		var cancel context.CancelFunc
		payCtx, cancel = context.WithTimeout(ctx, o.cfg.PaymentTimeout)
		defer cancel()
	}

	started := time.Now()
	settlement, err := processor.Charge(payCtx, payment.ChargeRequest{
		AmountCents: order.TotalCents,
		Currency:    o.cfg.Currency,
		Description: fmt.Sprintf("order %s at station %s", order.ID, order.StationID),
		Method:      method,
		OrderRef:    order.ID,
	})
	elapsed := time.Since(started)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(payCtx.Err(), context.DeadlineExceeded)):
		o.metrics.ObservePayment(method, ReasonTimeout, elapsed)
		return payment.Settlement{}, &PaymentError{Method: method, Reason: ReasonTimeout, Err: err}
	case err != nil:
		o.metrics.ObservePayment(method, ReasonProcessorError, elapsed)
		return payment.Settlement{}, &PaymentError{Method: method, Reason: ReasonProcessorError, Err: err}
	case !settlement.Success:
		o.metrics.ObservePayment(method, ReasonDeclined, elapsed)
		return payment.Settlement{}, &PaymentError{Method: method, Reason: ReasonDeclined, Detail: settlement.FailureReason}
	}
	o.metrics.ObservePayment(method, "settled", elapsed)
	return settlement, nil
}

// compensate reverses a settled charge whose order could not be stored.
func (o *Orchestrator) compensate(ctx context.Context, processor payment.Processor, method string, order domain.Order, cause error) *PaymentError {
	payErr := &PaymentError{Method: method, Reason: ReasonOrderNotRecorded, Err: cause}
	_, err := processor.Refund(context.WithoutCancel(ctx), payment.RefundRequest{
		Reference: order.PaymentReference,
		Reason:    "order_not_recorded",
	})
	if err != nil {
		log.Error().Err(err).
			AnErr("cause", cause).
			Str("payment_reference", order.PaymentReference).
			Int64("total_cents", order.TotalCents).
			Msg("charge settled but order not recorded and refund failed")
		payErr.Detail = "refund failed, reconcile manually"
		return payErr
	}
	log.Warn().Err(cause).Str("payment_reference", order.PaymentReference).Msg("order not recorded; charge refunded")
	payErr.Refunded = true
	return payErr
}

func (o *Orchestrator) backToShopping(sess *session) {
	sess.mu.Lock()
	sess.state = StateShopping
	sess.mu.Unlock()
}

func (o *Orchestrator) computeTotals(lines []domain.CartLine, d *domain.Discount, now time.Time) domain.Totals {
	var subtotal int64
	for _, l := range lines {
		subtotal += l.TotalCents()
	}
	t := domain.Totals{SubtotalCents: subtotal, TaxRatePercent: o.cfg.TaxRatePercent}
	if d != nil {
		t.DiscountCents = o.evaluator.Evaluate(subtotal, lines, d, now)
		if t.DiscountCents > 0 {
			t.DiscountID = d.ID
			t.DiscountName = d.Name
		}
	}
	taxable := subtotal - t.DiscountCents
	t.TaxCents = money.Percent(taxable, o.cfg.TaxRatePercent)
	t.TotalCents = money.Max(0, taxable+t.TaxCents)
	return t
}

// view builds the preview; a failed discount lookup degrades to no discount.
func (o *Orchestrator) view(ctx context.Context, sess *session, now time.Time) domain.CartView {
	var discounts []domain.Discount
	if sess.discountID != "" {
		list, err := o.catalog.ListActiveDiscounts(ctx, now)
		if err != nil {
			log.Warn().Err(err).Str("station_id", sess.stationID).Msg("discount preview unavailable")
		}
		discounts = list
	}
	return o.totalsView(sess, discounts, now)
}

func (o *Orchestrator) totalsView(sess *session, discounts []domain.Discount, now time.Time) domain.CartView {
	lines := slices.Clone(sess.lines)
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return domain.CartView{
		SessionID:  sess.id,
		StationID:  sess.stationID,
		State:      string(sess.state),
		Lines:      lines,
		DiscountID: sess.discountID,
		Totals:     o.computeTotals(lines, findDiscount(discounts, sess.discountID), now),
	}
}

func findDiscount(discounts []domain.Discount, id string) *domain.Discount {
	if id == "" {
		return nil
	}
	for i := range discounts {
		if discounts[i].ID == id {
			d := discounts[i]
			return &d
		}
	}
	return nil
}
