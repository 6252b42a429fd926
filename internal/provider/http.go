package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// newRestyClient returns a client that never retries on its own; retries are
// owned by the job queue.
func newRestyClient(timeout time.Duration) *resty.Client {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	return client
}

func validateEndpoint(endpoint string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	return trimmed, nil
}

// checkResponse converts a resty outcome into a ProviderError when the call
// failed or returned a non-2xx status.
func checkResponse(service string, response *resty.Response, err error) error {
	if err != nil {
		return &ProviderError{
			Service:   service,
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return &ProviderError{
			Service:   service,
			Message:   "empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	providerErr := &ProviderError{
		Service:    service,
		StatusCode: statusCode,
		Message:    providerErrorMessage(strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
	if providerErr.Transient {
		providerErr.RetryAfter = parseRetryAfter(response.Header().Get("Retry-After"), time.Now())
	}
	return providerErr
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// providerErrorMessage keeps the response body, truncated, as the message.
func providerErrorMessage(body string) string {
	if len(body) > 1000 {
		body = body[:1000]
	}
	return body
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Request-Id", "X-Correlation-ID", "X-Correlation-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
