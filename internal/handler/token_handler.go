package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/observability"
	"go.uber.org/zap"
)

type TokenService interface {
	AddToken(ctx context.Context, userID int64, token string, deviceID *string) (bool, error)
	RemoveToken(ctx context.Context, userID int64, token string) (bool, error)
	ClearTokens(ctx context.Context, userID int64) (bool, error)
	GetTokensWithMetadata(ctx context.Context, userID int64) ([]domain.DeviceToken, error)
}

type TokenHandler struct {
	service TokenService
	logger  *zap.Logger
}

func NewTokenHandler(service TokenService, logger *zap.Logger) (*TokenHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenHandler{service: service, logger: logger}, nil
}

func RegisterTokenRoutes(router fiber.Router, service TokenService, logger *zap.Logger) error {
	h, err := NewTokenHandler(service, logger)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/users/:userId/tokens", h.RegisterToken)
	v1.Delete("/users/:userId/tokens", h.RemoveTokens)
	v1.Get("/users/:userId/tokens", h.ListTokens)

	return nil
}

type registerTokenRequest struct {
	Token    string `json:"token" validate:"required"`
	DeviceID string `json:"deviceId" validate:"max=255"`
}

type removeTokenRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	Token      string    `json:"token"`
	Platform   string    `json:"platform"`
	DeviceID   *string   `json:"deviceId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// RegisterToken is called from the login flow. Token problems never fail the
// login: they are logged and reported as registered=false.
func (h *TokenHandler) RegisterToken(c *fiber.Ctx) error {
	userID, err := parseIDParam(c, "userId")
	if err != nil {
		return err
	}

	var req registerTokenRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	logger := observability.WithContextLogger(h.logger, c.UserContext()).With(zap.Int64("userId", userID))
	registered, err := h.service.AddToken(c.UserContext(), userID, strings.TrimSpace(req.Token), optionalString(req.DeviceID))
	switch {
	case err != nil:
		logger.Warn("push token registration failed", zap.Error(err))
		registered = false
	case !registered:
		logger.Info("push token rejected")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId":     userID,
		"registered": registered,
	})
}

// RemoveTokens is the logout hook: it removes one token, or all of them when
// no token is given.
func (h *TokenHandler) RemoveTokens(c *fiber.Ctx) error {
	userID, err := parseIDParam(c, "userId")
	if err != nil {
		return err
	}

	var req removeTokenRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = strings.TrimSpace(c.Query("token"))
	}

	var removed bool
	if token == "" {
		removed, err = h.service.ClearTokens(c.UserContext(), userID)
	} else {
		removed, err = h.service.RemoveToken(c.UserContext(), userID, token)
	}
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId":  userID,
		"removed": removed,
		"all":     token == "",
	})
}

func (h *TokenHandler) ListTokens(c *fiber.Ctx) error {
	userID, err := parseIDParam(c, "userId")
	if err != nil {
		return err
	}

	tokens, err := h.service.GetTokensWithMetadata(c.UserContext(), userID)
	if err != nil {
		return err
	}

	data := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		data = append(data, tokenResponse{
			Token:      t.Token,
			Platform:   t.Platform.String(),
			DeviceID:   t.DeviceID,
			CreatedAt:  t.CreatedAt,
			LastUsedAt: t.LastUsedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"userId": userID,
		"data":   data,
	})
}
