package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
)

const (
	defaultVFDTimeout = 30 * time.Second
	sandboxVFDBaseURL = "https://sandbox.vfd.local/api"
	sandboxVFDAPIKey  = "sandbox-api-key"
	sandboxVFDTIN     = "000000000"
)

// VFDConfig configures the fiscal authority client.
type VFDConfig struct {
	BaseURL string
	APIKey  string
	TIN     string
	Sandbox bool
	Timeout time.Duration
}

type FiscalCustomer struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
}

type FiscalLineItem struct {
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	TotalPrice  float64 `json:"total_price"`
	TaxCode     string  `json:"tax_code"`
	TaxRate     float64 `json:"tax_rate"`
}

// FiscalReceiptRequest is the body of POST /receipts.
type FiscalReceiptRequest struct {
	TIN           string           `json:"tin"`
	ReceiptNumber string           `json:"receipt_number"`
	Amount        float64          `json:"amount"`
	PaymentMethod string           `json:"payment_method"`
	Customer      FiscalCustomer   `json:"customer"`
	Items         []FiscalLineItem `json:"items"`
	Timestamp     string           `json:"timestamp"`
	Currency      string           `json:"currency"`
	Reference     string           `json:"reference"`
}

// FiscalReceipt is the issued receipt. Raw is the verbatim response body.
type FiscalReceipt struct {
	ReceiptNumber string
	ReceiptURL    string
	Raw           []byte
	Sandbox       bool
}

type vfdResponse struct {
	ReceiptNumber string `json:"receipt_number"`
	ReceiptURL    string `json:"receipt_url"`
	URL           string `json:"url"`
	Data          *struct {
		ReceiptNumber string `json:"receipt_number"`
		ReceiptURL    string `json:"receipt_url"`
	} `json:"data"`
}

// VFDClient talks to the fiscal authority. In sandbox mode without live
// credentials it answers locally with synthetic receipts.
type VFDClient struct {
	client     *resty.Client
	baseURL    string
	apiKey     string
	tin        string
	synthetic  bool
	configured bool
	now        func() time.Time
}

func NewVFDClient(cfg VFDConfig) *VFDClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultVFDTimeout
	}
	return newVFDClient(cfg, newRestyClient(timeout))
}

func newVFDClient(cfg VFDConfig, client *resty.Client) *VFDClient {
	c := &VFDClient{
		client: client,
		tin:    strings.TrimSpace(cfg.TIN),
		now:    time.Now,
	}

	baseURL, err := validateEndpoint(cfg.BaseURL)
	apiKey := strings.TrimSpace(cfg.APIKey)
	live := err == nil && apiKey != ""

	switch {
	case live:
		c.baseURL, c.apiKey, c.configured = baseURL, apiKey, true
	case cfg.Sandbox:
		c.baseURL, c.apiKey, c.configured, c.synthetic = sandboxVFDBaseURL, sandboxVFDAPIKey, true, true
		if c.tin == "" {
			c.tin = sandboxVFDTIN
		}
	}

	return c
}

func (c *VFDClient) Sandbox() bool { return c.synthetic }

func (c *VFDClient) TIN() string { return c.tin }

// IssueReceipt registers a receipt with the authority.
func (c *VFDClient) IssueReceipt(ctx context.Context, req FiscalReceiptRequest) (*FiscalReceipt, error) {
	if !c.configured {
		return nil, fmt.Errorf("%w: fiscal authority endpoint or api key missing", domain.ErrNotConfigured)
	}
	if req.TIN == "" {
		req.TIN = c.tin
	}

	if c.synthetic {
		return c.syntheticReceipt(req)
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(req).
		Post(c.baseURL + "/receipts")
	if err := checkResponse("fiscal authority", response, err); err != nil {
		return nil, err
	}

	raw := response.Body()
	var parsed vfdResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &ProviderError{
			Service:    "fiscal authority",
			StatusCode: response.StatusCode(),
			Message:    "unreadable body",
			Cause:      err,
		}
	}

	receipt := &FiscalReceipt{
		ReceiptNumber: parsed.ReceiptNumber,
		ReceiptURL:    firstNonEmpty(parsed.ReceiptURL, parsed.URL),
		Raw:           raw,
	}
	if parsed.Data != nil {
		receipt.ReceiptNumber = firstNonEmpty(receipt.ReceiptNumber, parsed.Data.ReceiptNumber)
		receipt.ReceiptURL = firstNonEmpty(receipt.ReceiptURL, parsed.Data.ReceiptURL)
	}
	return receipt, nil
}

func (c *VFDClient) syntheticReceipt(req FiscalReceiptRequest) (*FiscalReceipt, error) {
	url := fmt.Sprintf("%s/receipts/%s", c.baseURL, req.ReceiptNumber)
	raw, err := json.Marshal(map[string]any{
		"sandbox":        true,
		"status":         "issued",
		"receipt_number": req.ReceiptNumber,
		"receipt_url":    url,
		"amount":         req.Amount,
		"currency":       req.Currency,
		"reference":      req.Reference,
		"issued_at":      c.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sandbox receipt: %w", err)
	}
	return &FiscalReceipt{
		ReceiptNumber: req.ReceiptNumber,
		ReceiptURL:    url,
		Raw:           raw,
		Sandbox:       true,
	}, nil
}

// Health checks connectivity and credentials with the authority.
func (c *VFDClient) Health(ctx context.Context) error {
	if !c.configured {
		return fmt.Errorf("%w: fiscal authority endpoint or api key missing", domain.ErrNotConfigured)
	}
	if c.synthetic {
		return nil
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		Get(c.baseURL + "/health")
	return checkResponse("fiscal authority", response, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
