package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"firebase.google.com/go/v4/messaging"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// GatewayErrorKind is the per-token outcome class of a failed push send.
type GatewayErrorKind string

const (
	GatewayInvalidMessage GatewayErrorKind = "invalid_message"
	GatewayNotRegistered  GatewayErrorKind = "not_registered"
	GatewayAuthentication GatewayErrorKind = "authentication"
	GatewayGeneric        GatewayErrorKind = "generic"
)

// GatewayError is returned by Gateway implementations for every failed call.
type GatewayError struct {
	Kind      GatewayErrorKind
	Message   string
	Transient bool
	Cause     error
}

func (e *GatewayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("push gateway %s: %s", e.Kind, msg)
}

func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// GatewayErrorKindOf classifies err; unknown errors are generic.
func GatewayErrorKindOf(err error) GatewayErrorKind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return GatewayGeneric
}

var credentialExpirySignatures = []string{"invalid_grant", "invalid_credentials", "unsupported_grant_type"}

// IsCredentialExpiry reports an authentication failure caused by stale or
// revoked credentials, which a client rebuild can fix.
func IsCredentialExpiry(err error) bool {
	if err == nil || GatewayErrorKindOf(err) != GatewayAuthentication {
		return false
	}
	return matchesCredentialSignature(err.Error())
}

func matchesCredentialSignature(msg string) bool {
	lower := strings.ToLower(msg)
	for _, sig := range credentialExpirySignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// Gateway is the push delivery service. Send delivers one message addressed to
// a single token and returns the gateway message id.
type Gateway interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	Verify(ctx context.Context) error
}

// GatewayFactory builds a fresh gateway client with newly loaded credentials.
type GatewayFactory func(ctx context.Context) (Gateway, error)

type gatewaySlot struct {
	gateway    Gateway
	generation uint64
	refs       atomic.Int64
	closeOnce  sync.Once
	logger     *zap.Logger
}

func (s *gatewaySlot) retain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *gatewaySlot) release() {
	if s.refs.Add(-1) != 0 {
		return
	}
	s.closeOnce.Do(func() {
		if closer, ok := s.gateway.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.logger.Warn("failed to close retired push gateway",
					zap.Uint64("generation", s.generation),
					zap.Error(err),
				)
			}
		}
	})
}

// GatewayLease pins one gateway generation until Release.
type GatewayLease struct {
	slot     *gatewaySlot
	released atomic.Bool
}

func (l *GatewayLease) Gateway() Gateway { return l.slot.gateway }

func (l *GatewayLease) Generation() uint64 { return l.slot.generation }

func (l *GatewayLease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.slot.release()
	}
}

// GatewayHandle is the shared, swappable push gateway. Reinitialize builds a
// new client and swaps it in atomically; in-flight leases keep the retired
// client alive until they release it.
type GatewayHandle struct {
	factory GatewayFactory
	current atomic.Pointer[gatewaySlot]
	group   singleflight.Group
	logger  *zap.Logger
}

func NewGatewayHandle(factory GatewayFactory, logger *zap.Logger) (*GatewayHandle, error) {
	if factory == nil {
		return nil, fmt.Errorf("gateway factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayHandle{factory: factory, logger: logger}, nil
}

// Acquire leases the current gateway. It fails with ErrNotConfigured until
// the first successful Reinitialize.
func (h *GatewayHandle) Acquire() (*GatewayLease, error) {
	for {
		slot := h.current.Load()
		if slot == nil {
			return nil, fmt.Errorf("%w: push gateway is not initialized", domain.ErrNotConfigured)
		}
		if slot.retain() {
			return &GatewayLease{slot: slot}, nil
		}
	}
}

// Generation is the generation of the current gateway, 0 when none.
func (h *GatewayHandle) Generation() uint64 {
	if slot := h.current.Load(); slot != nil {
		return slot.generation
	}
	return 0
}

// Reinitialize replaces the gateway observed at generation observed. Concurrent
// callers share one rebuild; a caller whose observation is already stale gets
// the newer generation without another rebuild.
func (h *GatewayHandle) Reinitialize(ctx context.Context, observed uint64) (uint64, error) {
	v, err, _ := h.group.Do("reinitialize", func() (any, error) {
		current := h.current.Load()
		if current != nil && current.generation != observed {
			return current.generation, nil
		}

		gw, err := h.factory(ctx)
		if err != nil {
			return uint64(0), fmt.Errorf("failed to reinitialize push gateway: %w", err)
		}

		next := &gatewaySlot{gateway: gw, logger: h.logger}
		next.refs.Store(1)
		if current != nil {
			next.generation = current.generation + 1
		} else {
			next.generation = 1
		}

		if old := h.current.Swap(next); old != nil {
			old.release()
		}

		h.logger.Info("push gateway initialized", zap.Uint64("generation", next.generation))
		return next.generation, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Close retires the current gateway.
func (h *GatewayHandle) Close() {
	if old := h.current.Swap(nil); old != nil {
		old.release()
	}
}
