package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"github.com/kursadbilgin/pushfiscal/internal/provider"
	"github.com/kursadbilgin/pushfiscal/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDispatchConcurrency = 8
	defaultAndroidPriority     = "high"
	defaultSound               = "default"
	defaultAPNSPushType        = "alert"
	defaultAPNSBadge           = 1
)

// ErrBatchAbandoned is returned when gateway credentials could not be
// restored before a batch; no token was attempted.
var ErrBatchAbandoned = errors.New("dispatch batch abandoned")

// Target is one token and the user it belongs to.
type Target struct {
	UserID int64
	Token  string
}

// Message is the payload of a dispatch. Platform option blocks override the
// dispatcher defaults field by field.
type Message struct {
	Title    string
	Body     string
	ImageURL string
	Data     map[string]string
	Android  *AndroidOptions
	APNS     *APNSOptions
	Webpush  *WebpushOptions
}

type AndroidOptions struct {
	Priority    string
	ChannelID   string
	Sound       string
	Icon        string
	Color       string
	ClickAction string
	TTL         *time.Duration
}

type APNSOptions struct {
	PushType       string
	Badge          *int
	Sound          string
	MutableContent *bool
	Category       string
}

type WebpushOptions struct {
	Icon string
	Link string
}

// MessageDefaults are the deployment-wide platform hints.
type MessageDefaults struct {
	AndroidChannelID   string
	AndroidIcon        string
	AndroidColor       string
	AndroidClickAction string
	WebIcon            string
}

// TokenOutcome is the per-token result class of a dispatch.
type TokenOutcome string

const (
	OutcomeSuccess        TokenOutcome = "success"
	OutcomeInvalidMessage TokenOutcome = "invalid_message"
	OutcomeNotRegistered  TokenOutcome = "not_registered"
	OutcomeAuthentication TokenOutcome = "authentication"
	OutcomeFailed         TokenOutcome = "failed"
)

type TokenResult struct {
	Target
	Outcome   TokenOutcome
	MessageID string
	Err       error
	// Removed is set when this dispatch deleted the token from the store.
	Removed   bool
}

type DispatchResult struct {
	Total          int
	Success        int
	Failure        int
	InvalidRemoved int
	Results        []TokenResult
}

// FirstError returns the error of the first failed token, nil when all succeeded.
func (r *DispatchResult) FirstError() error {
	for _, res := range r.Results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

// AfterSendHook observes the per-token results once a batch has settled.
type AfterSendHook func(ctx context.Context, result *DispatchResult)

// GatewaySource hands out leases on the shared push gateway.
type GatewaySource interface {
	Acquire() (*provider.GatewayLease, error)
	Reinitialize(ctx context.Context, observed uint64) (uint64, error)
}

// TokenMaintainer applies dispatch feedback to the token store.
type TokenMaintainer interface {
	PruneTokens(ctx context.Context, userID int64, tokens ...string) ([]string, error)
	MarkUsed(ctx context.Context, userID int64, tokens []string) error
}

type Dispatcher struct {
	gateways    GatewaySource
	tokens      TokenMaintainer
	rateLimiter ratelimit.RateLimiter
	defaults    MessageDefaults
	concurrency int
	logger      *zap.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func NewDispatcher(
	gateways GatewaySource,
	tokens TokenMaintainer,
	rateLimiter ratelimit.RateLimiter,
	defaults MessageDefaults,
	concurrency int,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if gateways == nil {
		return nil, fmt.Errorf("gateway source is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token maintainer is required")
	}
	if concurrency <= 0 {
		concurrency = defaultDispatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		gateways:    gateways,
		tokens:      tokens,
		rateLimiter: rateLimiter,
		defaults:    defaults,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

// Send delivers msg to every target independently. Per-token failures are
// reported in the result; an error is returned only when the batch could not
// be attempted at all.
func (d *Dispatcher) Send(ctx context.Context, targets []Target, msg Message, hook AfterSendHook) (*DispatchResult, error) {
	logger := observability.WithContextLogger(d.logger, ctx)
	result := &DispatchResult{Total: len(targets)}
	if len(targets) == 0 {
		return result, nil
	}

	lease, err := d.preflight(ctx, logger)
	if err != nil {
		d.metrics.IncBatchAbandoned()
		observability.Critical(logger, "push batch abandoned, gateway credentials unusable",
			zap.Int("tokens", len(targets)),
			zap.Error(err),
		)
		return result, fmt.Errorf("%w: %v", ErrBatchAbandoned, err)
	}
	defer lease.Release()

	results := make([]TokenResult, len(targets))
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = d.sendOne(groupCtx, lease, target, msg, logger)
			return nil
		})
	}
	_ = g.Wait()

	result.Results = results
	for _, res := range results {
		if res.Outcome == OutcomeSuccess {
			result.Success++
		} else {
			result.Failure++
		}
	}

	result.InvalidRemoved = d.applyFeedback(ctx, result, logger)

	logger.Info("push batch dispatched",
		zap.Int("total", result.Total),
		zap.Int("success", result.Success),
		zap.Int("failure", result.Failure),
		zap.Int("invalidRemoved", result.InvalidRemoved),
	)

	if hook != nil {
		hook(ctx, result)
	}
	return result, nil
}

// preflight returns a lease on a gateway whose credentials passed a dry run.
// Credential expiry gets exactly one rebuild.
func (d *Dispatcher) preflight(ctx context.Context, logger *zap.Logger) (*provider.GatewayLease, error) {
	lease, err := d.gateways.Acquire()
	if err != nil {
		if _, reinitErr := d.reinitialize(ctx, 0); reinitErr != nil {
			return nil, reinitErr
		}
		return d.gateways.Acquire()
	}

	verifyErr := lease.Gateway().Verify(ctx)
	if verifyErr == nil {
		return lease, nil
	}
	if !provider.IsCredentialExpiry(verifyErr) {
		logger.Warn("push gateway verification failed, sending anyway", zap.Error(verifyErr))
		return lease, nil
	}

	observed := lease.Generation()
	lease.Release()
	logger.Warn("push gateway credentials expired, reinitializing",
		zap.Uint64("generation", observed),
		zap.Error(verifyErr),
	)
	if _, err := d.reinitialize(ctx, observed); err != nil {
		return nil, err
	}
	return d.gateways.Acquire()
}

func (d *Dispatcher) reinitialize(ctx context.Context, observed uint64) (uint64, error) {
	generation, err := d.gateways.Reinitialize(ctx, observed)
	if err != nil {
		d.metrics.IncGatewayReinit("failed")
		return 0, err
	}
	d.metrics.IncGatewayReinit("ok")
	return generation, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, lease *provider.GatewayLease, target Target, msg Message, logger *zap.Logger) TokenResult {
	res := TokenResult{Target: target}

	if d.rateLimiter != nil {
		if err := d.rateLimiter.Wait(ctx, ratelimit.ScopePush); err != nil {
			res.Outcome, res.Err = OutcomeFailed, fmt.Errorf("push rate limiter wait failed: %w", err)
			return res
		}
	}

	message := d.buildMessage(target.Token, msg)
	id, err := d.timedSend(ctx, lease.Gateway(), message)

	if provider.IsCredentialExpiry(err) {
		id, err = d.retryWithFreshGateway(ctx, lease.Generation(), message, logger)
	}

	res.MessageID, res.Err = id, err
	res.Outcome = outcomeOf(err)
	if err != nil {
		logger.Warn("push send failed",
			zap.Int64("userId", target.UserID),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(err),
		)
	}
	return res
}

// retryWithFreshGateway rebuilds the gateway observed at generation (shared
// with any concurrent caller) and sends once more.
func (d *Dispatcher) retryWithFreshGateway(ctx context.Context, generation uint64, message *messaging.Message, logger *zap.Logger) (string, error) {
	if _, err := d.reinitialize(ctx, generation); err != nil {
		logger.Error("push gateway reinitialization failed", zap.Error(err))
		return "", &provider.GatewayError{Kind: provider.GatewayAuthentication, Message: err.Error(), Cause: err}
	}

	fresh, err := d.gateways.Acquire()
	if err != nil {
		return "", err
	}
	defer fresh.Release()

	return d.timedSend(ctx, fresh.Gateway(), message)
}

func (d *Dispatcher) timedSend(ctx context.Context, gw provider.Gateway, message *messaging.Message) (string, error) {
	start := d.now()
	id, err := gw.Send(ctx, message)
	d.metrics.ObservePushSend(string(outcomeOf(err)), d.now().Sub(start))
	return id, err
}

func outcomeOf(err error) TokenOutcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch provider.GatewayErrorKindOf(err) {
	case provider.GatewayInvalidMessage:
		return OutcomeInvalidMessage
	case provider.GatewayNotRegistered:
		return OutcomeNotRegistered
	case provider.GatewayAuthentication:
		return OutcomeAuthentication
	default:
		return OutcomeFailed
	}
}

// applyFeedback removes unregistered tokens and touches delivered ones, both
// grouped per user, after every send of the batch has settled.
func (d *Dispatcher) applyFeedback(ctx context.Context, result *DispatchResult, logger *zap.Logger) int {
	dead := make(map[int64][]string)
	used := make(map[int64][]string)
	for _, res := range result.Results {
		switch res.Outcome {
		case OutcomeNotRegistered:
			dead[res.UserID] = append(dead[res.UserID], res.Token)
		case OutcomeSuccess:
			used[res.UserID] = append(used[res.UserID], res.Token)
		}
	}

	type userToken struct {
		userID int64
		token  string
	}
	removedTokens := make(map[userToken]struct{})
	removed := 0
	for userID, tokens := range dead {
		pruned, err := d.tokens.PruneTokens(ctx, userID, tokens...)
		if err != nil {
			logger.Error("failed to remove unregistered push tokens",
				zap.Int64("userId", userID),
				zap.Int("tokens", len(tokens)),
				zap.Error(err),
			)
			continue
		}
		removed += len(pruned)
		for _, t := range pruned {
			removedTokens[userToken{userID: userID, token: t}] = struct{}{}
		}
	}
	// Removed only marks tokens this batch actually took out of the store.
	for i := range result.Results {
		res := &result.Results[i]
		if _, ok := removedTokens[userToken{userID: res.UserID, token: res.Token}]; ok && res.Outcome == OutcomeNotRegistered {
			res.Removed = true
		}
	}
	d.metrics.AddInvalidTokensRemoved(removed)

	for userID, tokens := range used {
		if err := d.tokens.MarkUsed(ctx, userID, tokens); err != nil {
			logger.Warn("failed to touch delivered push tokens",
				zap.Int64("userId", userID),
				zap.Error(err),
			)
		}
	}

	return removed
}

func (d *Dispatcher) buildMessage(token string, msg Message) *messaging.Message {
	android := AndroidOptions{
		Priority:    defaultAndroidPriority,
		ChannelID:   d.defaults.AndroidChannelID,
		Sound:       defaultSound,
		Icon:        d.defaults.AndroidIcon,
		Color:       d.defaults.AndroidColor,
		ClickAction: d.defaults.AndroidClickAction,
	}
	if o := msg.Android; o != nil {
		android.Priority = orDefault(o.Priority, android.Priority)
		android.ChannelID = orDefault(o.ChannelID, android.ChannelID)
		android.Sound = orDefault(o.Sound, android.Sound)
		android.Icon = orDefault(o.Icon, android.Icon)
		android.Color = orDefault(o.Color, android.Color)
		android.ClickAction = orDefault(o.ClickAction, android.ClickAction)
		android.TTL = o.TTL
	}

	badge := defaultAPNSBadge
	apns := APNSOptions{
		PushType: defaultAPNSPushType,
		Badge:    &badge,
		Sound:    defaultSound,
	}
	mutable := true
	if o := msg.APNS; o != nil {
		apns.PushType = orDefault(o.PushType, apns.PushType)
		apns.Sound = orDefault(o.Sound, apns.Sound)
		apns.Category = o.Category
		if o.Badge != nil {
			apns.Badge = o.Badge
		}
		if o.MutableContent != nil {
			mutable = *o.MutableContent
		}
	}

	web := WebpushOptions{Icon: d.defaults.WebIcon}
	if o := msg.Webpush; o != nil {
		web.Icon = orDefault(o.Icon, web.Icon)
		web.Link = o.Link
	}

	message := &messaging.Message{
		Token: token,
		Data:  msg.Data,
		Notification: &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.ImageURL,
		},
		Android: &messaging.AndroidConfig{
			Priority: android.Priority,
			TTL:      android.TTL,
			Notification: &messaging.AndroidNotification{
				Title:       msg.Title,
				Body:        msg.Body,
				Icon:        android.Icon,
				Color:       android.Color,
				Sound:       android.Sound,
				ClickAction: android.ClickAction,
				ChannelID:   android.ChannelID,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-push-type": apns.PushType,
				"apns-priority":  "10",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: msg.Title,
						Body:  msg.Body,
					},
					Badge:          apns.Badge,
					Sound:          apns.Sound,
					MutableContent: mutable,
					Category:       apns.Category,
				},
			},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Title,
				Body:  msg.Body,
				Icon:  web.Icon,
			},
		},
	}
	if web.Link != "" {
		message.Webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: web.Link}
	}
	return message
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
