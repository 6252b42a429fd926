package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
)

const defaultArchiveTimeout = 15 * time.Second

// ArchiveConfig configures the long-term receipt archive.
type ArchiveConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// ArchiveResponse is the outcome of a successful archive push.
type ArchiveResponse struct {
	StatusCode int
	Body       string
	RequestID  string
}

type ArchiveClient struct {
	client   *resty.Client
	endpoint string
	apiKey   string
}

func NewArchiveClient(cfg ArchiveConfig) *ArchiveClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultArchiveTimeout
	}
	return newArchiveClient(cfg, newRestyClient(timeout))
}

func newArchiveClient(cfg ArchiveConfig, client *resty.Client) *ArchiveClient {
	c := &ArchiveClient{client: client, apiKey: strings.TrimSpace(cfg.APIKey)}
	if endpoint, err := validateEndpoint(cfg.Endpoint); err == nil {
		c.endpoint = endpoint
	}
	return c
}

// Configured reports whether both endpoint and api key are set.
func (c *ArchiveClient) Configured() bool {
	return c.endpoint != "" && c.apiKey != ""
}

func (c *ArchiveClient) Push(ctx context.Context, payload any) (*ArchiveResponse, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: archive endpoint or api key missing", domain.ErrNotConfigured)
	}

	response, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetBody(payload).
		Post(c.endpoint)
	if err := checkResponse("archive", response, err); err != nil {
		return nil, err
	}

	return &ArchiveResponse{
		StatusCode: response.StatusCode(),
		Body:       strings.TrimSpace(response.String()),
		RequestID:  providerMessageID(response),
	}, nil
}

func (c *ArchiveClient) Health(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("%w: archive endpoint or api key missing", domain.ErrNotConfigured)
	}
	response, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(c.apiKey).
		Get(c.endpoint + "/health")
	return checkResponse("archive", response, err)
}
