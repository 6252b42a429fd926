package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/pushfiscal/internal/domain"
	"github.com/kursadbilgin/pushfiscal/internal/repository"
	"go.uber.org/zap"
)

// TokenCache is the read-through cache in front of the token column. Get
// reports the generation of the user's entry; Set is a no-op once an
// Invalidate has moved the generation past the one given.
type TokenCache interface {
	Get(ctx context.Context, userID int64) ([]domain.DeviceToken, int64, bool, error)
	Set(ctx context.Context, userID int64, generation int64, tokens []domain.DeviceToken) (bool, error)
	Invalidate(ctx context.Context, userIDs ...int64) error
}

// TokenStore owns the per-user push token collection.
type TokenStore struct {
	users  repository.UserRepository
	cache  TokenCache
	policy domain.TokenPolicy
	limit  int
	logger *zap.Logger
	now    func() time.Time
}

func NewTokenStore(
	users repository.UserRepository,
	cache TokenCache,
	policy domain.TokenPolicy,
	limit int,
	logger *zap.Logger,
) (*TokenStore, error) {
	if users == nil {
		return nil, fmt.Errorf("user repository is required")
	}
	if limit <= 0 {
		limit = domain.DefaultMaxTokensPerUser
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TokenStore{
		users:  users,
		cache:  cache,
		policy: policy,
		limit:  limit,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *TokenStore) IsValidToken(token string) bool {
	return s.policy.IsValid(token)
}

// AddToken registers token for the user. Invalid tokens are rejected with
// false; a known token only has its LastUsedAt refreshed.
func (s *TokenStore) AddToken(ctx context.Context, userID int64, token string, deviceID *string) (bool, error) {
	if !s.policy.IsValid(token) {
		s.logger.Debug("rejecting invalid push token",
			zap.Int64("userId", userID),
			zap.Int("length", len(token)),
		)
		return false, nil
	}

	var evicted []domain.DeviceToken
	_, err := s.users.MutateTokens(ctx, userID, func(tokens []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		next, dropped := domain.UpsertToken(tokens, token, deviceID, s.now().UTC(), s.limit)
		evicted = dropped
		return next, true, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to add push token for user %d: %w", userID, err)
	}

	if len(evicted) > 0 {
		s.logger.Info("evicted least recently used push tokens",
			zap.Int64("userId", userID),
			zap.Int("evicted", len(evicted)),
		)
	}
	s.invalidate(ctx, userID)
	return true, nil
}

// RemoveToken reports whether token was present.
func (s *TokenStore) RemoveToken(ctx context.Context, userID int64, token string) (bool, error) {
	removed, err := s.RemoveTokens(ctx, userID, token)
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// RemoveTokens drops the given values and reports how many were present.
func (s *TokenStore) RemoveTokens(ctx context.Context, userID int64, tokens ...string) (int, error) {
	removed, err := s.PruneTokens(ctx, userID, tokens...)
	return len(removed), err
}

// PruneTokens drops the given values from the user's current collection and
// returns the ones that were present. Tokens added concurrently by other
// requests are left untouched.
func (s *TokenStore) PruneTokens(ctx context.Context, userID int64, tokens ...string) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	var removed []string
	_, err := s.users.MutateTokens(ctx, userID, func(current []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		next, dropped := domain.RemoveTokenValues(current, tokens...)
		removed = dropped
		return next, len(dropped) > 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove push tokens for user %d: %w", userID, err)
	}

	s.invalidate(ctx, userID)
	return removed, nil
}

// ClearTokens drops every token of the user, e.g. on logout.
func (s *TokenStore) ClearTokens(ctx context.Context, userID int64) (bool, error) {
	_, err := s.users.MutateTokens(ctx, userID, func(current []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		return nil, len(current) > 0, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to clear push tokens for user %d: %w", userID, err)
	}

	s.invalidate(ctx, userID)
	return true, nil
}

func (s *TokenStore) GetTokens(ctx context.Context, userID int64) ([]string, error) {
	tokens, err := s.GetTokensWithMetadata(ctx, userID)
	if err != nil {
		return nil, err
	}
	return domain.TokenValues(tokens), nil
}

// GetTokensWithMetadata returns the valid tokens of the user, read through the cache.
func (s *TokenStore) GetTokensWithMetadata(ctx context.Context, userID int64) ([]domain.DeviceToken, error) {
	// The generation is read before the database so a write that lands in
	// between makes the Set below a no-op.
	var generation int64
	cacheable := false
	if s.cache != nil {
		cached, gen, hit, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("token cache read failed",
				zap.Int64("userId", userID),
				zap.Error(err),
			)
		} else if hit {
			return cached, nil
		} else {
			generation, cacheable = gen, true
		}
	}

	stored, err := s.users.LoadTokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load push tokens for user %d: %w", userID, err)
	}

	tokens := make([]domain.DeviceToken, 0, len(stored))
	for _, t := range stored {
		if s.policy.IsValid(t.Token) {
			tokens = append(tokens, t)
		}
	}

	if cacheable {
		written, err := s.cache.Set(ctx, userID, generation, tokens)
		switch {
		case err != nil:
			s.logger.Warn("token cache write failed",
				zap.Int64("userId", userID),
				zap.Error(err),
			)
		case !written:
			s.logger.Debug("token cache write skipped, tokens changed during read",
				zap.Int64("userId", userID),
			)
		}
	}
	return tokens, nil
}

// MarkUsed stamps LastUsedAt on tokens that just received a message.
func (s *TokenStore) MarkUsed(ctx context.Context, userID int64, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	touched := 0
	_, err := s.users.MutateTokens(ctx, userID, func(current []domain.DeviceToken) ([]domain.DeviceToken, bool, error) {
		touched = domain.TouchTokens(current, tokens, s.now().UTC())
		return current, touched > 0, nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark push tokens used for user %d: %w", userID, err)
	}

	s.invalidate(ctx, userID)
	return nil
}

// CleanupOptions drives CleanupTokens. ExpireAfter zero keeps idle tokens.
type CleanupOptions struct {
	DryRun      bool
	ExpireAfter time.Duration
	BatchSize   int
}

type CleanupReport struct {
	UsersScanned  int
	UsersAffected int
	InvalidTokens int
	ExpiredTokens int
	Removed       int
}

// CleanupTokens removes malformed tokens, and tokens idle longer than
// ExpireAfter, from every user. DryRun only counts.
func (s *TokenStore) CleanupTokens(ctx context.Context, opts CleanupOptions) (CleanupReport, error) {
	var report CleanupReport
	cutoff := time.Time{}
	if opts.ExpireAfter > 0 {
		cutoff = s.now().UTC().Add(-opts.ExpireAfter)
	}

	err := s.users.ScanTokens(ctx, opts.BatchSize, func(users []domain.User) error {
		for _, user := range users {
			report.UsersScanned++

			var stale []string
			for _, t := range user.Tokens {
				switch {
				case !s.policy.IsValid(t.Token):
					report.InvalidTokens++
					stale = append(stale, t.Token)
				case !cutoff.IsZero() && t.LastUsedAt.Before(cutoff):
					report.ExpiredTokens++
					stale = append(stale, t.Token)
				}
			}
			if len(stale) == 0 {
				continue
			}

			report.UsersAffected++
			if opts.DryRun {
				continue
			}

			removed, err := s.RemoveTokens(ctx, user.ID, stale...)
			if err != nil {
				return err
			}
			report.Removed += removed
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("token cleanup failed: %w", err)
	}

	s.logger.Info("push token cleanup finished",
		zap.Bool("dryRun", opts.DryRun),
		zap.Int("usersScanned", report.UsersScanned),
		zap.Int("usersAffected", report.UsersAffected),
		zap.Int("invalid", report.InvalidTokens),
		zap.Int("expired", report.ExpiredTokens),
		zap.Int("removed", report.Removed),
	)
	return report, nil
}

func (s *TokenStore) invalidate(ctx context.Context, userID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("token cache invalidation failed",
			zap.Int64("userId", userID),
			zap.Error(err),
		)
	}
}
