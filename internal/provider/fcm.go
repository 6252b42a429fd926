package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

const (
	defaultFCMTimeout    = 10 * time.Second
	credentialCheckTopic = "credential-check"
)

// FCMConfig selects the credentials of the Firebase project.
type FCMConfig struct {
	ProjectID       string
	CredentialsFile string
	CredentialsJSON string
	Timeout         time.Duration
	// Endpoint replaces the FCM API base URL and disables authentication.
	// It exists for emulators and local fakes.
	Endpoint string
}

// FCMGateway sends push messages through Firebase Cloud Messaging.
type FCMGateway struct {
	client  *messaging.Client
	timeout time.Duration
}

func NewFCMGateway(ctx context.Context, cfg FCMConfig) (*FCMGateway, error) {
	var opts []option.ClientOption
	switch {
	case strings.TrimSpace(cfg.Endpoint) != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var appConfig *firebase.Config
	if cfg.ProjectID != "" {
		appConfig = &firebase.Config{ProjectID: cfg.ProjectID}
	}

	app, err := firebase.NewApp(ctx, appConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFCMTimeout
	}

	return &FCMGateway{client: client, timeout: timeout}, nil
}

// FCMFactory reloads credentials on every call, which is what a rebuild after
// credential expiry needs.
func FCMFactory(cfg FCMConfig) GatewayFactory {
	return func(ctx context.Context) (Gateway, error) {
		gw, err := NewFCMGateway(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}

func (g *FCMGateway) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	id, err := g.client.Send(ctx, msg)
	if err != nil {
		return "", classifyFCMError(err)
	}
	return id, nil
}

// Verify performs a dry-run send, which exercises the OAuth token exchange
// without delivering anything.
func (g *FCMGateway) Verify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.client.SendDryRun(ctx, &messaging.Message{
		Topic: credentialCheckTopic,
		Data:  map[string]string{"check": "credentials"},
	})
	if err != nil {
		return classifyFCMError(err)
	}
	return nil
}

func classifyFCMError(err error) *GatewayError {
	gwErr := &GatewayError{Kind: GatewayGeneric, Message: err.Error(), Cause: err}

	switch {
	case messaging.IsUnregistered(err), errorutils.IsNotFound(err), messaging.IsSenderIDMismatch(err):
		gwErr.Kind = GatewayNotRegistered
	case errorutils.IsInvalidArgument(err):
		gwErr.Kind = GatewayInvalidMessage
	case messaging.IsThirdPartyAuthError(err), errorutils.IsUnauthenticated(err), errorutils.IsPermissionDenied(err):
		gwErr.Kind = GatewayAuthentication
	case matchesCredentialSignature(err.Error()):
		// OAuth token exchange failures surface as plain errors.
		gwErr.Kind = GatewayAuthentication
	default:
		gwErr.Transient = errors.Is(err, context.DeadlineExceeded) ||
			errorutils.IsUnavailable(err) ||
			errorutils.IsInternal(err) ||
			errorutils.IsDeadlineExceeded(err) ||
			messaging.IsQuotaExceeded(err)
	}

	return gwErr
}
