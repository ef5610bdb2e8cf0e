// Package payment holds the processors the checkout charges through.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	MethodCash = "cash"
	MethodCard = "card"
)

var ErrUnknownMethod = errors.New("unknown payment method")

type ChargeRequest struct {
	AmountCents int64
	Currency    string
	Description string
	Method      string
	OrderRef    string
}

// Settlement is the processor's verdict. A declined charge is a Settlement
// with Success false; transport problems and timeouts come back as errors.
type Settlement struct {
	Success       bool
	Reference     string
	ClientSecret  string
	FailureReason string
}

// RefundRequest refunds a settled charge. AmountCents zero refunds in full.
type RefundRequest struct {
	Reference   string
	AmountCents int64
	Reason      string
}

type RefundResult struct {
	Reference string
	Status    string
}

type Processor interface {
	Charge(ctx context.Context, req ChargeRequest) (Settlement, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// Registry maps a payment method name to its processor.
type Registry map[string]Processor

func (r Registry) Get(method string) (Processor, error) {
	p, ok := r[strings.ToLower(strings.TrimSpace(method))]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	return p, nil
}

func (r Registry) Methods() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
