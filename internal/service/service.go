package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"tillpoint/backend/internal/cache"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/payment"
	"tillpoint/backend/internal/pricing"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

var ErrForbidden = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Service is the manager back office: catalog, discount and pricing rule
// maintenance, alert review and refunds.
type Service struct {
	repo     store.Repository
	cache    cache.Invalidator
	payments payment.Registry
	clock    func() time.Time
}

func New(repo store.Repository, invalidator cache.Invalidator, payments payment.Registry) *Service {
	if invalidator == nil {
		invalidator = cache.NoopInvalidator{}
	}
	return &Service{
		repo:     repo,
		cache:    invalidator,
		payments: payments,
		clock:    time.Now,
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func validateStruct(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	verr := &domain.ValidationError{}
	for _, fe := range fieldErrs {
		verr.Add(fe.Field(), fe.Tag())
	}
	return verr
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("catalog cache invalidation failed; entries expire at TTL")
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	req.ID = strings.ToUpper(strings.TrimSpace(req.ID))
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)
	if err := validateStruct(req); err != nil {
		return domain.Product{}, err
	}

	created, err := s.repo.CreateProduct(ctx, domain.Product{
		ID:         req.ID,
		Name:       req.Name,
		Category:   req.Category,
		PriceCents: req.PriceCents,
		Stock:      req.Stock,
		Active:     true,
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product.create", "product", created.ID, fmt.Sprintf("price_cents=%d stock=%d", created.PriceCents, created.Stock))
	return *created, nil
}

func (s *Service) SetProductActive(ctx context.Context, id string, active bool) (domain.Product, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Product{}, err
	}
	updated, err := s.repo.UpdateProductActive(ctx, id, active)
	if err != nil {
		return domain.Product{}, err
	}
	s.logAudit(ctx, "product.set_active", "product", id, fmt.Sprintf("active=%t", active))
	return *updated, nil
}

func (s *Service) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	return s.repo.ListDiscounts(ctx)
}

func (s *Service) CreateDiscount(ctx context.Context, req domain.DiscountCreateRequest) (domain.Discount, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Discount{}, err
	}
	discount, err := discountFromRequest(req)
	if err != nil {
		return domain.Discount{}, err
	}
	discount.Active = true
	discount.CreatedAt = s.clock().UTC()

	created, err := s.repo.CreateDiscount(ctx, discount)
	if err != nil {
		return domain.Discount{}, err
	}
	s.invalidate(ctx)
	s.logAudit(ctx, "discount.create", "discount", created.ID, discountDetail(*created))
	return *created, nil
}

// UpdateDiscount replaces a discount's terms in place. Sessions that already
// selected it see the new terms on their next preview or payment.
func (s *Service) UpdateDiscount(ctx context.Context, id string, req domain.DiscountCreateRequest) (domain.Discount, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Discount{}, err
	}
	discount, err := discountFromRequest(req)
	if err != nil {
		return domain.Discount{}, err
	}
	discount.ID = id

	updated, err := s.repo.UpdateDiscount(ctx, discount)
	if err != nil {
		return domain.Discount{}, err
	}
	s.invalidate(ctx)
	s.logAudit(ctx, "discount.update", "discount", id, discountDetail(*updated))
	return *updated, nil
}

func discountFromRequest(req domain.DiscountCreateRequest) (domain.Discount, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := validateStruct(req); err != nil {
		return domain.Discount{}, err
	}
	if req.Type == domain.DiscountBOGO && req.MaxDiscountCents > 0 {
		return domain.Discount{}, domain.NewValidationError("max_discount_cents", "percentage_only")
	}
	if req.Type == domain.DiscountPercentage && req.Percent <= 0 {
		return domain.Discount{}, domain.NewValidationError("percent", "gt")
	}
	return domain.Discount{
		Name:             req.Name,
		Type:             req.Type,
		Percent:          req.Percent,
		ValidUntil:       req.ValidUntil.UTC(),
		MinPurchaseCents: req.MinPurchaseCents,
		MaxDiscountCents: req.MaxDiscountCents,
	}, nil
}

func discountDetail(d domain.Discount) string {
	return fmt.Sprintf("type=%s percent=%g min=%d max=%d valid_until=%s",
		d.Type, d.Percent, d.MinPurchaseCents, d.MaxDiscountCents, d.ValidUntil.Format(time.RFC3339))
}

func (s *Service) SetDiscountActive(ctx context.Context, id string, active bool) (domain.Discount, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Discount{}, err
	}
	updated, err := s.repo.UpdateDiscountActive(ctx, id, active)
	if err != nil {
		return domain.Discount{}, err
	}
	s.invalidate(ctx)
	s.logAudit(ctx, "discount.set_active", "discount", id, fmt.Sprintf("active=%t", active))
	return *updated, nil
}

func (s *Service) DeleteDiscount(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteDiscount(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.logAudit(ctx, "discount.delete", "discount", id, "")
	return nil
}

func (s *Service) ListPricingRules(ctx context.Context) ([]domain.PricingRule, error) {
	return s.repo.ListPricingRules(ctx)
}

func (s *Service) CreatePricingRule(ctx context.Context, req domain.PricingRuleCreateRequest) (domain.PricingRule, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PricingRule{}, err
	}
	rule, err := ruleFromRequest(req)
	if err != nil {
		return domain.PricingRule{}, err
	}
	rule.Active = true
	rule.CreatedAt = s.clock().UTC()

	created, err := s.repo.CreatePricingRule(ctx, rule)
	if err != nil {
		return domain.PricingRule{}, err
	}
	s.invalidate(ctx)
	s.logAudit(ctx, "pricing_rule.create", "pricing_rule", created.ID, ruleDetail(*created))
	return *created, nil
}

// UpdatePricingRule replaces a rule's terms. Lines already in a cart keep
// the price they were rung up at.
func (s *Service) UpdatePricingRule(ctx context.Context, id string, req domain.PricingRuleCreateRequest) (domain.PricingRule, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PricingRule{}, err
	}
	rule, err := ruleFromRequest(req)
	if err != nil {
		return domain.PricingRule{}, err
	}
	rule.ID = id

	updated, err := s.repo.UpdatePricingRule(ctx, rule)
	if err != nil {
		return domain.PricingRule{}, err
	}
	s.invalidate(ctx)
	s.logAudit(ctx, "pricing_rule.update", "pricing_rule", id, ruleDetail(*updated))
	return *updated, nil
}

func ruleFromRequest(req domain.PricingRuleCreateRequest) (domain.PricingRule, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := validateStruct(req); err != nil {
		return domain.PricingRule{}, err
	}
	if err := checkRuleShape(req); err != nil {
		return domain.PricingRule{}, err
	}

	rule := domain.PricingRule{
		Name:        req.Name,
		Type:        req.Type,
		Percent:     req.Percent,
		AmountCents: req.AmountCents,
	}
	if req.Type == domain.RuleTimeOfDay {
		rule.TimeStart = req.TimeStart
		rule.TimeEnd = req.TimeEnd
	} else {
		rule.StartsAt = utcPtr(req.StartsAt)
		rule.EndsAt = utcPtr(req.EndsAt)
	}
	return rule, nil
}

func ruleDetail(r domain.PricingRule) string {
	detail := fmt.Sprintf("type=%s percent=%g amount_cents=%d", r.Type, r.Percent, r.AmountCents)
	if r.TimeStart != "" {
		detail += fmt.Sprintf(" window=%s-%s", r.TimeStart, r.TimeEnd)
	}
	return detail
}

// checkRuleShape enforces what struct tags cannot express. Time-of-day
// windows must not wrap midnight: such a window would never match.
func checkRuleShape(req domain.PricingRuleCreateRequest) error {
	switch req.Type {
	case domain.RuleTimeOfDay:
		start, okStart := pricing.ParseClock(req.TimeStart)
		end, okEnd := pricing.ParseClock(req.TimeEnd)
		verr := &domain.ValidationError{}
		if !okStart {
			verr.Add("time_start", "hh:mm")
		}
		if !okEnd {
			verr.Add("time_end", "hh:mm")
		}
		if len(verr.Fields) > 0 {
			return verr
		}
		if start > end {
			return domain.NewValidationError("time_end", "wraps_midnight")
		}
		if req.Percent <= 0 {
			return domain.NewValidationError("percent", "gt")
		}
	case domain.RulePercentage:
		if req.Percent <= 0 {
			return domain.NewValidationError("percent", "gt")
		}
	case domain.RuleFixed:
		if req.AmountCents <= 0 {
			return domain.NewValidationError("amount_cents", "gt")
		}
	}
	if req.StartsAt != nil && req.EndsAt != nil && req.EndsAt.Before(*req.StartsAt) {
		return domain.NewValidationError("ends_at", "gtefield")
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Service) SetPricingRuleActive(ctx context.Context, id string, active bool) (domain.PricingRule, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.PricingRule{}, err
	}
	updated, err := s.repo.UpdatePricingRuleActive(ctx, id, active)
	if err != nil {
		return domain.PricingRule{}, err
	}
	s.invalidate(ctx)
	s.logAudit(ctx, "pricing_rule.set_active", "pricing_rule", id, fmt.Sprintf("active=%t", active))
	return *updated, nil
}

func (s *Service) DeletePricingRule(ctx context.Context, id string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeletePricingRule(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx)
	s.logAudit(ctx, "pricing_rule.delete", "pricing_rule", id, "")
	return nil
}

func (s *Service) ListAlerts(ctx context.Context, filter store.AlertFilter) ([]domain.Alert, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListAlerts(ctx, filter)
}

func (s *Service) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	order, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

// Refund returns money for a paid order through the processor that took
// it. AmountCents zero refunds whatever has not been refunded yet.
//
// The amount is reserved against the order before the processor is called,
// so two concurrent refunds can never pay out more than the order total. A
// failed processor call releases the reservation.
func (s *Service) Refund(ctx context.Context, req domain.RefundRequest) (domain.Refund, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Refund{}, err
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := validateStruct(req); err != nil {
		return domain.Refund{}, err
	}

	order, err := s.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return domain.Refund{}, err
	}
	processor, err := s.payments.Get(order.PaymentMethod)
	if err != nil {
		return domain.Refund{}, err
	}

	reserved, err := s.repo.ReserveRefund(ctx, domain.Refund{
		OrderID:     order.ID,
		AmountCents: req.AmountCents,
		Reason:      req.Reason,
		CreatedAt:   s.clock().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			return domain.Refund{}, domain.NewValidationError("amount_cents", "exceeds_refundable")
		}
		return domain.Refund{}, err
	}

	result, err := processor.Refund(ctx, payment.RefundRequest{
		Reference:   order.PaymentReference,
		AmountCents: reserved.AmountCents,
		Reason:      req.Reason,
	})
	if err != nil {
		if releaseErr := s.repo.ReleaseRefund(context.WithoutCancel(ctx), reserved.ID); releaseErr != nil {
			log.Error().Err(releaseErr).
				Str("order_id", order.ID).
				Str("refund_id", reserved.ID).
				Msg("refund reservation not released; amount stays blocked")
		}
		return domain.Refund{}, fmt.Errorf("refund order %s: %w", order.ID, err)
	}

	settled, err := s.repo.SettleRefund(context.WithoutCancel(ctx), reserved.ID, result.Reference)
	if err != nil {
		log.Error().Err(err).
			Str("order_id", order.ID).
			Str("refund_id", reserved.ID).
			Str("refund_reference", result.Reference).
			Int64("amount_cents", reserved.AmountCents).
			Msg("refund paid out but left pending")
		return domain.Refund{}, err
	}
	s.logAudit(ctx, "refund.settle", "order", order.ID,
		fmt.Sprintf("refund_id=%s amount_cents=%d reference=%s", settled.ID, settled.AmountCents, settled.Reference))
	return *settled, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, since time.Time, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, since, limit)
}

// logAudit records a back-office write. A failed write is logged and never
// fails the operation it describes.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(context.WithoutCancel(ctx), domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.clock().UTC(),
	}); err != nil {
		log.Warn().Err(err).
			Str("action", action).
			Str("entity", entityType+"/"+entityID).
			Msg("audit log write failed")
	}
}
