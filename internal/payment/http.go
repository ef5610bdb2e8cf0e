package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type chargePayload struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
}

type chargeResponse struct {
	ClientSecret    string `json:"clientSecret"`
	PaymentIntentID string `json:"paymentIntentId"`
	Error           string `json:"error,omitempty"`
}

type refundPayload struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Amount          int64  `json:"amount,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type refundResponse struct {
	RefundID string `json:"refundId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// HTTPProcessor delegates card charges to the payment microservice, which
// owns the gateway credentials.
type HTTPProcessor struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPProcessor(baseURL string, timeout time.Duration) *HTTPProcessor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProcessor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Charge creates a payment intent for req.AmountCents. A 4xx answer is a
// decline; 5xx and transport failures are errors.
func (p *HTTPProcessor) Charge(ctx context.Context, req ChargeRequest) (Settlement, error) {
	var out chargeResponse
	status, err := p.post(ctx, "/create-payment-intent", chargePayload{
		Amount:      req.AmountCents,
		Currency:    strings.ToLower(req.Currency),
		Description: req.Description,
	}, &out)
	if err != nil {
		return Settlement{}, err
	}
	if status >= 400 {
		return Settlement{FailureReason: declineReason(out.Error, status)}, nil
	}
	if out.PaymentIntentID == "" {
		return Settlement{}, fmt.Errorf("payment: response missing paymentIntentId")
	}
	return Settlement{
		Success:      true,
		Reference:    out.PaymentIntentID,
		ClientSecret: out.ClientSecret,
	}, nil
}

func (p *HTTPProcessor) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.Reference == "" {
		return RefundResult{}, fmt.Errorf("payment: refund needs a payment reference")
	}
	var out refundResponse
	status, err := p.post(ctx, "/refund", refundPayload{
		PaymentIntentID: req.Reference,
		Amount:          req.AmountCents,
		Reason:          req.Reason,
	}, &out)
	if err != nil {
		return RefundResult{}, err
	}
	if status >= 400 {
		return RefundResult{}, fmt.Errorf("payment: refund rejected: %s", declineReason(out.Error, status))
	}
	return RefundResult{Reference: out.RefundID, Status: out.Status}, nil
}

func (p *HTTPProcessor) post(ctx context.Context, path string, payload any, out any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("payment: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("payment: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("payment: service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("payment: service returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("payment: read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 400 {
			return resp.StatusCode, fmt.Errorf("payment: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func declineReason(msg string, status int) string {
	if strings.TrimSpace(msg) != "" {
		return msg
	}
	return fmt.Sprintf("declined with status %d", status)
}
