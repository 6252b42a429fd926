package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/kursadbilgin/pushfiscal/internal/config"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"go.uber.org/zap"
)

const defaultSMSTimeout = 15 * time.Second

// SMSSender delivers a plain-text message to one phone number and returns the
// provider message id.
type SMSSender interface {
	Name() string
	SendSMS(ctx context.Context, phone, message string) (string, error)
}

// NewSMSSender builds the adapter selected by cfg.DefaultProvider.
func NewSMSSender(cfg config.SMSConfig, logger *zap.Logger) (SMSSender, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.DefaultProvider)) {
	case "beem":
		return NewBeemSender(cfg.BeemBaseURL, cfg.BeemAPIKey, cfg.BeemSecretKey, cfg.SenderID)
	case "twilio":
		return NewTwilioSender(cfg.TwilioBaseURL, cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom)
	case "log", "":
		return NewLogSender(logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown sms provider %q", domain.ErrValidation, cfg.DefaultProvider)
	}
}

// BeemSender posts to the Beem Africa SMS API.
type BeemSender struct {
	client   *resty.Client
	endpoint string
	sourceID string
}

type beemRecipient struct {
	RecipientID int    `json:"recipient_id"`
	DestAddr    string `json:"dest_addr"`
}

type beemRequest struct {
	SourceAddr string          `json:"source_addr"`
	Encoding   int             `json:"encoding"`
	Message    string          `json:"message"`
	Recipients []beemRecipient `json:"recipients"`
}

type beemResponse struct {
	Successful bool   `json:"successful"`
	RequestID  any    `json:"request_id"`
	Message    string `json:"message"`
}

func NewBeemSender(baseURL, apiKey, secretKey, sourceID string) (*BeemSender, error) {
	return newBeemSender(baseURL, apiKey, secretKey, sourceID, newRestyClient(defaultSMSTimeout))
}

func newBeemSender(baseURL, apiKey, secretKey, sourceID string, client *resty.Client) (*BeemSender, error) {
	endpoint, err := validateEndpoint(baseURL)
	if err != nil {
		return nil, fmt.Errorf("beem: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(secretKey) == "" {
		return nil, fmt.Errorf("%w: beem api key and secret are required", domain.ErrNotConfigured)
	}
	client.SetBasicAuth(apiKey, secretKey)
	return &BeemSender{client: client, endpoint: endpoint + "/v1/send", sourceID: sourceID}, nil
}

func (s *BeemSender) Name() string { return "beem" }

func (s *BeemSender) SendSMS(ctx context.Context, phone, message string) (string, error) {
	body := beemRequest{
		SourceAddr: s.sourceID,
		Encoding:   0,
		Message:    message,
		Recipients: []beemRecipient{{RecipientID: 1, DestAddr: strings.TrimPrefix(strings.TrimSpace(phone), "+")}},
	}

	response, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(s.endpoint)
	if err := checkResponse("beem", response, err); err != nil {
		return "", err
	}

	var parsed beemResponse
	if err := json.Unmarshal(response.Body(), &parsed); err != nil {
		return providerMessageID(response), nil
	}
	if !parsed.Successful && parsed.Message != "" {
		return "", &ProviderError{Service: "beem", StatusCode: response.StatusCode(), Message: "rejected message: " + parsed.Message}
	}
	if parsed.RequestID != nil {
		return fmt.Sprint(parsed.RequestID), nil
	}
	return providerMessageID(response), nil
}

// TwilioSender posts to the Twilio Messages API.
type TwilioSender struct {
	client   *resty.Client
	endpoint string
	from     string
}

type twilioResponse struct {
	SID string `json:"sid"`
}

func NewTwilioSender(baseURL, accountSID, authToken, from string) (*TwilioSender, error) {
	return newTwilioSender(baseURL, accountSID, authToken, from, newRestyClient(defaultSMSTimeout))
}

func newTwilioSender(baseURL, accountSID, authToken, from string, client *resty.Client) (*TwilioSender, error) {
	endpoint, err := validateEndpoint(baseURL)
	if err != nil {
		return nil, fmt.Errorf("twilio: %w", err)
	}
	if strings.TrimSpace(accountSID) == "" || strings.TrimSpace(authToken) == "" || strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("%w: twilio account sid, auth token and sender are required", domain.ErrNotConfigured)
	}
	client.SetBasicAuth(accountSID, authToken)
	return &TwilioSender{
		client:   client,
		endpoint: fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", endpoint, accountSID),
		from:     from,
	}, nil
}

func (s *TwilioSender) Name() string { return "twilio" }

func (s *TwilioSender) SendSMS(ctx context.Context, phone, message string) (string, error) {
	response, err := s.client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   strings.TrimSpace(phone),
			"From": s.from,
			"Body": message,
		}).
		Post(s.endpoint)
	if err := checkResponse("twilio", response, err); err != nil {
		return "", err
	}

	var parsed twilioResponse
	if err := json.Unmarshal(response.Body(), &parsed); err == nil && parsed.SID != "" {
		return parsed.SID, nil
	}
	return providerMessageID(response), nil
}

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) SendSMS(ctx context.Context, phone, message string) (string, error) {
	id := "log-" + uuid.NewString()
	s.logger.Info("sms send (log provider)",
		zap.String("message_id", id),
		zap.String("phone", maskPhone(phone)),
		zap.Int("length", len(message)),
	)
	return id, nil
}

func maskPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
