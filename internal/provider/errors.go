package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
)

// ProviderError is a failed call to an HTTP collaborator: the fiscal
// authority, the archive or an sms provider.
type ProviderError struct {
	Service    string
	StatusCode int
	Message    string
	Transient  bool
	RetryAfter time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Service != "" {
		b.WriteString(e.Service)
	} else {
		b.WriteString("provider")
	}
	b.WriteString(" error")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status=%d", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error should be retried. Missing
// configuration and caller cancellation never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, domain.ErrNotConfigured) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var gatewayErr *GatewayError
	if errors.As(err, &gatewayErr) {
		return gatewayErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// RetryAfterOf returns the delay a collaborator asked for, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.RetryAfter > 0 {
		return providerErr.RetryAfter, true
	}
	return 0, false
}

// MaxRetryAfter caps the delay taken from a Retry-After header.
const MaxRetryAfter = time.Hour

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. Delays are capped at MaxRetryAfter.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := time.Parse(time.RFC1123, value); err == nil {
		d = at.Sub(now)
	}
	if d <= 0 {
		return 0
	}
	return min(d, MaxRetryAfter)
}
