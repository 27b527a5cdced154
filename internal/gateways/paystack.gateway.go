package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sikaswift/payment-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

// Charge statuses reported by the payment provider.
const (
	ChargeStatusSuccess = "success"
	ChargeStatusSendOTP = "send_otp"
	ChargeStatusPending = "pending"
	ChargeStatusFailed  = "failed"
)

type Config struct {
	BaseURL         string
	SecretKey       string
	Timeout         time.Duration
	MaxConns        int
	BillingEmail    string
	NetworkPrefixes map[string][]string
}

// Client talks to a Paystack-shaped payment API. Amounts cross this
// boundary in major units and are converted to minor units on the wire.
type Client struct {
	config *Config
	client *fasthttp.Client
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.SecretKey == "" {
		return nil, fmt.Errorf("gateway secret key is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.BillingEmail == "" {
		config.BillingEmail = "user@sikaswift.com"
	}

	httpClient := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
	}

	logger.Info("Payment gateway client initialized", "base_url", config.BaseURL, "timeout", config.Timeout)

	return &Client{
		config: config,
		client: httpClient,
	}, nil
}

// apiResponse is the provider's common envelope. Status=false carries a
// human-readable failure reason in Message.
type apiResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type ChargeRequest struct {
	Phone     string
	Amount    decimal.Decimal
	Currency  string
	Reference string
}

type ChargeResult struct {
	Reference   string
	Status      string
	RequiresOTP bool
	DisplayText string
}

type chargeData struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	DisplayText string `json:"display_text,omitempty"`
}

// ResolveAccount looks up the registered account name behind a mobile
// money wallet.
func (c *Client) ResolveAccount(ctx context.Context, phone string) (string, error) {
	bankCode := ProviderForPhone(phone, c.config.NetworkPrefixes)
	path := fmt.Sprintf("/bank/resolve?account_number=%s&bank_code=%s", phone, bankCode)

	resp, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return "", err
	}

	var data struct {
		AccountName string `json:"account_name"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("failed to unmarshal resolve response: %w", err)
	}
	return data.AccountName, nil
}

// InitiateCharge starts a mobile-money debit against the sender's
// wallet. RequiresOTP is set when the provider asks for a one-time code
// before authorizing the debit.
func (c *Client) InitiateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	provider := ProviderForPhone(req.Phone, c.config.NetworkPrefixes)
	payload := map[string]interface{}{
		"email":    c.config.BillingEmail,
		"amount":   minorUnits(req.Amount),
		"currency": req.Currency,
		"mobile_money": map[string]string{
			"phone":    req.Phone,
			"provider": provider,
		},
		"reference": req.Reference,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", "/charge", body)
	if err != nil {
		return nil, err
	}
	return parseChargeResult(resp)
}

// SubmitOTP forwards the sender's one-time code for a pending charge.
func (c *Client) SubmitOTP(ctx context.Context, reference, otp string) (*ChargeResult, error) {
	body, err := json.Marshal(map[string]string{
		"otp":       otp,
		"reference": reference,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal otp request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", "/charge/submit_otp", body)
	if err != nil {
		return nil, err
	}
	return parseChargeResult(resp)
}

// CreateTransferRecipient registers the payout destination and returns
// the provider's recipient code. Fails until the debit has settled into
// the merchant balance, so callers retry with backoff.
func (c *Client) CreateTransferRecipient(ctx context.Context, name, phone, currency string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"type":           "mobile_money",
		"name":           name,
		"account_number": phone,
		"bank_code":      ProviderForPhone(phone, c.config.NetworkPrefixes),
		"currency":       currency,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal recipient request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", "/transferrecipient", body)
	if err != nil {
		return "", err
	}

	var data struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("failed to unmarshal recipient response: %w", err)
	}
	if data.RecipientCode == "" {
		return "", fmt.Errorf("gateway returned empty recipient code")
	}
	return data.RecipientCode, nil
}

// InitiateTransfer pays out from the merchant balance to a previously
// created recipient. Returns the provider's transfer code.
func (c *Client) InitiateTransfer(ctx context.Context, amount decimal.Decimal, recipientCode, reason string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"source":    "balance",
		"amount":    minorUnits(amount),
		"recipient": recipientCode,
		"reason":    reason,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	resp, err := c.doRequest(ctx, "POST", "/transfer", body)
	if err != nil {
		return "", err
	}

	var data struct {
		TransferCode string `json:"transfer_code"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("failed to unmarshal transfer response: %w", err)
	}
	return data.TransferCode, nil
}

// Refund reverses a settled charge back to the sender.
func (c *Client) Refund(ctx context.Context, chargeReference string) error {
	body, err := json.Marshal(map[string]string{
		"transaction": chargeReference,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal refund request: %w", err)
	}

	if _, err := c.doRequest(ctx, "POST", "/refund", body); err != nil {
		return err
	}

	logger.Info("Refund accepted by gateway", "charge_reference", chargeReference)
	return nil
}

func parseChargeResult(resp *apiResponse) (*ChargeResult, error) {
	var data chargeData
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal charge response: %w", err)
	}

	return &ChargeResult{
		Reference:   data.Reference,
		Status:      data.Status,
		RequiresOTP: data.Status == ChargeStatusSendOTP,
		DisplayText: data.DisplayText,
	}, nil
}

// minorUnits converts a major-unit amount to the provider's integer
// minor units (pesewas for GHS).
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).IntPart()
}

// doRequest performs an authenticated HTTP request and unwraps the
// provider envelope. Envelope status=false becomes an error carrying
// the provider's reason.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) (*apiResponse, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)

	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, fmt.Errorf("unexpected gateway response, status code: %d: %w", resp.StatusCode(), err)
	}

	if !envelope.Status {
		reason := envelope.Message
		if reason == "" {
			reason = fmt.Sprintf("gateway error, status code: %d", resp.StatusCode())
		}
		return nil, fmt.Errorf("gateway rejected request: %s", reason)
	}

	return &envelope, nil
}
