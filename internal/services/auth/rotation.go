package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/celestya/backend/internal/domain/model"
)

// Refresh exchanges a refresh secret for a new pair. The presented record is
// retired and its successor inserted in one ledger transaction, so a secret can
// be rotated at most once.
func (s *Service) Refresh(ctx context.Context, refreshSecret string, meta ClientMeta) (TokenPair, error) {
	refreshSecret = strings.TrimSpace(refreshSecret)
	if refreshSecret == "" {
		return TokenPair{}, ErrInvalidRefresh
	}
	if err := s.ready(); err != nil {
		return TokenPair{}, err
	}

	presentedHash := HashSecret(refreshSecret)
	now := s.now().UTC()

	var (
		pair      TokenPair
		presented model.RefreshToken
	)
	err := s.ledger.WithTx(ctx, func(txCtx context.Context, store LedgerStore) error {
		current, err := store.FindRefreshTokenByHash(txCtx, presentedHash)
		if err != nil {
			if errors.Is(err, model.ErrRefreshTokenNotFound) {
				return ErrInvalidRefresh
			}
			return fmt.Errorf("find refresh token: %w", err)
		}
		presented = current

		if err := checkRotatable(current, now); err != nil {
			return err
		}

		secret, successor, err := s.insertWithRetry(txCtx, store, model.RefreshToken{
			OwnerID:   current.OwnerID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.RefreshTTL),
			DeviceID:  fresher(meta.DeviceID, current.DeviceID),
			UserAgent: fresher(meta.UserAgent, current.UserAgent),
		})
		if err != nil {
			return err
		}

		retired, err := store.MarkRotated(txCtx, current.ID, successor.SecretHash, now)
		if err != nil {
			return fmt.Errorf("retire refresh token: %w", err)
		}
		if !retired {
			// Another writer retired the row first; report what it became.
			latest, err := store.FindRefreshTokenByHash(txCtx, presentedHash)
			if err == nil {
				if stateErr := checkRotatable(latest, now); stateErr != nil {
					return stateErr
				}
			}
			return ErrRefreshReused
		}

		accessToken, accessExpires, err := s.tokens.Issue(current.OwnerID)
		if err != nil {
			return fmt.Errorf("generate access token: %w", err)
		}

		pair = TokenPair{
			AccessToken:   accessToken,
			RefreshToken:  secret,
			AccessExpires: accessExpires,
			OwnerID:       current.OwnerID,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRefreshReused) {
			s.handleReuse(ctx, presented, presentedHash, meta, now)
		}
		return TokenPair{}, err
	}

	s.triggerPrune(pair.OwnerID)
	return pair, nil
}

// checkRotatable applies the refresh checks in order: reuse, then revocation,
// then expiry. A replayed record reports reuse even when it has also expired.
func checkRotatable(token model.RefreshToken, now time.Time) error {
	if token.IsRevoked() {
		if token.ReplacedByHash != nil {
			return ErrRefreshReused
		}
		return ErrRefreshRevoked
	}
	if token.IsExpired(now) {
		return ErrRefreshExpired
	}
	return nil
}

func (s *Service) handleReuse(ctx context.Context, presented model.RefreshToken, presentedHash string, meta ClientMeta, now time.Time) {
	s.logger.Warn("refresh_token_reuse_detected",
		zap.Int64("owner_id", presented.OwnerID),
		zap.Int64("record_id", presented.ID),
		zap.String("device_id", presented.DeviceID),
		zap.String("presenting_device_id", meta.DeviceID),
	)

	if !s.cfg.RevokeChainOnReuse {
		return
	}

	revoked, err := s.ledger.RevokeDescendants(ctx, presentedHash, now)
	if err != nil {
		s.logger.Error("revoke rotation chain after reuse",
			zap.Error(err),
			zap.Int64("owner_id", presented.OwnerID),
			zap.Int64("record_id", presented.ID),
		)
		return
	}
	s.logger.Warn("rotation chain revoked after reuse",
		zap.Int64("owner_id", presented.OwnerID),
		zap.Int64("record_id", presented.ID),
		zap.Int64("revoked", revoked),
	)
}

// insertWithRetry stores draft under a freshly generated secret, drawing a new
// secret whenever the hash is already taken.
func (s *Service) insertWithRetry(ctx context.Context, store LedgerStore, draft model.RefreshToken) (string, model.RefreshToken, error) {
	var (
		secret string
		stored model.RefreshToken
	)

	err := retryOnCollision(s.cfg.MaxInsertAttempts, func(attempt int) (InsertOutcome, error) {
		candidate, err := s.newSecret()
		if err != nil {
			return 0, fmt.Errorf("generate refresh token: %w", err)
		}

		draft.SecretHash = HashSecret(candidate)
		record, outcome, err := store.InsertRefreshToken(ctx, draft)
		if err != nil {
			return 0, fmt.Errorf("insert refresh token: %w", err)
		}
		if outcome == InsertCollision {
			s.logger.Warn("refresh secret hash collision", zap.Int("attempt", attempt), zap.Int64("owner_id", draft.OwnerID))
			return outcome, nil
		}

		secret, stored = candidate, record
		return outcome, nil
	})
	if err != nil {
		return "", model.RefreshToken{}, err
	}

	return secret, stored, nil
}

// retryOnCollision calls attempt until it reports Inserted, at most n times.
// Errors stop the loop immediately.
func retryOnCollision(n int, attempt func(attempt int) (InsertOutcome, error)) error {
	for i := 1; i <= n; i++ {
		outcome, err := attempt(i)
		if err != nil {
			return err
		}
		if outcome == Inserted {
			return nil
		}
	}
	return ErrSecretCollision
}

func fresher(supplied, existing string) string {
	if v := strings.TrimSpace(supplied); v != "" {
		return v
	}
	return existing
}
