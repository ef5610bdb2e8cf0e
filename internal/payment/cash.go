package payment

import (
	"context"

	"tillpoint/backend/internal/xid"
)

// CashProcessor settles at the till. The drawer is reconciled elsewhere, so
// every positive charge succeeds.
type CashProcessor struct{}

func (CashProcessor) Charge(ctx context.Context, req ChargeRequest) (Settlement, error) {
	if err := ctx.Err(); err != nil {
		return Settlement{}, err
	}
	if req.AmountCents < 0 {
		return Settlement{FailureReason: "negative amount"}, nil
	}
	return Settlement{Success: true, Reference: xid.New("cash")}, nil
}

func (CashProcessor) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return RefundResult{}, err
	}
	return RefundResult{Reference: xid.New("cashrf"), Status: "succeeded"}, nil
}
