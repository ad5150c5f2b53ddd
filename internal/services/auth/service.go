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

const DefaultRefreshTTL = 30 * 24 * time.Hour

// LedgerStore is the set of record operations the rotation protocol performs.
// Inside WithTx every call runs on the same transaction, and lookups lock the
// row they return.
type LedgerStore interface {
	InsertRefreshToken(ctx context.Context, token model.RefreshToken) (model.RefreshToken, InsertOutcome, error)
	FindRefreshTokenByHash(ctx context.Context, secretHash string) (model.RefreshToken, error)
	MarkRotated(ctx context.Context, id int64, successorHash string, at time.Time) (bool, error)
	RevokeByHash(ctx context.Context, secretHash string, at time.Time) (bool, error)
	RevokeAllForOwner(ctx context.Context, ownerID int64, at time.Time) (int64, error)
	RevokeDescendants(ctx context.Context, secretHash string, at time.Time) (int64, error)
}

type Ledger interface {
	LedgerStore
	WithTx(ctx context.Context, fn func(ctx context.Context, store LedgerStore) error) error
	ListActiveForOwner(ctx context.Context, ownerID int64, now time.Time) ([]model.RefreshToken, error)
	Stats(ctx context.Context, now time.Time) (model.LedgerStats, error)
}

// UserDirectory answers whether an account may hold sessions. Unknown ids
// return model.ErrUserNotFound.
type UserDirectory interface {
	IsVerified(ctx context.Context, userID int64) (bool, error)
}

type PruneTrigger interface {
	Trigger(ownerID int64)
}

type Config struct {
	RefreshTTL         time.Duration
	RefreshSecretBytes int
	MaxInsertAttempts  int
	RevokeChainOnReuse bool
}

type Dependencies struct {
	Tokens *JWTManager
	Ledger Ledger
	Users  UserDirectory
	Pruner PruneTrigger
	Logger *zap.Logger
}

type Service struct {
	tokens    *JWTManager
	ledger    Ledger
	users     UserDirectory
	pruner    PruneTrigger
	logger    *zap.Logger
	cfg       Config
	newSecret func() (string, error)
	now       func() time.Time
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.RefreshSecretBytes <= 0 {
		cfg.RefreshSecretBytes = DefaultRefreshSecretBytes
	}
	if cfg.MaxInsertAttempts <= 0 {
		cfg.MaxInsertAttempts = 3
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	secretBytes := cfg.RefreshSecretBytes
	return &Service{
		tokens: deps.Tokens,
		ledger: deps.Ledger,
		users:  deps.Users,
		pruner: deps.Pruner,
		logger: logger,
		cfg:    cfg,
		newSecret: func() (string, error) {
			return NewOpaqueToken(secretBytes)
		},
		now: time.Now,
	}
}

// Issue starts a new session for a verified user and returns its first pair.
func (s *Service) Issue(ctx context.Context, userID int64, meta ClientMeta) (TokenPair, error) {
	if userID <= 0 {
		return TokenPair{}, ErrInvalidInput
	}
	if err := s.ready(); err != nil {
		return TokenPair{}, err
	}

	if s.users != nil {
		verified, err := s.users.IsVerified(ctx, userID)
		if err != nil {
			if errors.Is(err, model.ErrUserNotFound) {
				return TokenPair{}, ErrInvalidCredentials
			}
			return TokenPair{}, fmt.Errorf("lookup user verification: %w", err)
		}
		if !verified {
			return TokenPair{}, ErrNotVerified
		}
	}

	now := s.now().UTC()
	secret, _, err := s.insertWithRetry(ctx, s.ledger, model.RefreshToken{
		OwnerID:   userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
		DeviceID:  strings.TrimSpace(meta.DeviceID),
		UserAgent: strings.TrimSpace(meta.UserAgent),
	})
	if err != nil {
		return TokenPair{}, err
	}

	accessToken, accessExpires, err := s.tokens.Issue(userID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate access token: %w", err)
	}

	s.triggerPrune(userID)

	return TokenPair{
		AccessToken:   accessToken,
		RefreshToken:  secret,
		AccessExpires: accessExpires,
		OwnerID:       userID,
	}, nil
}

// ValidateAccessToken resolves the caller of an authenticated request. It
// never consults the ledger.
func (s *Service) ValidateAccessToken(accessToken string) (AccessClaims, error) {
	if s.tokens == nil {
		return AccessClaims{}, errors.New("token codec is not configured")
	}
	return s.tokens.Verify(accessToken)
}

// Logout revokes the session behind refreshSecret. Unknown and already revoked
// secrets succeed without touching the ledger.
func (s *Service) Logout(ctx context.Context, refreshSecret string) error {
	refreshSecret = strings.TrimSpace(refreshSecret)
	if refreshSecret == "" {
		return ErrInvalidInput
	}
	if err := s.ready(); err != nil {
		return err
	}

	if _, err := s.ledger.RevokeByHash(ctx, HashSecret(refreshSecret), s.now().UTC()); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *Service) LogoutAll(ctx context.Context, userID int64) (int64, error) {
	if userID <= 0 {
		return 0, ErrInvalidInput
	}
	if err := s.ready(); err != nil {
		return 0, err
	}

	revoked, err := s.ledger.RevokeAllForOwner(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	s.logger.Info("sessions revoked for user", zap.Int64("owner_id", userID), zap.Int64("revoked", revoked))
	return revoked, nil
}

func (s *Service) ActiveSessions(ctx context.Context, userID int64) ([]model.RefreshToken, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	sessions, err := s.ledger.ListActiveForOwner(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return sessions, nil
}

func (s *Service) Stats(ctx context.Context) (model.LedgerStats, error) {
	if err := s.ready(); err != nil {
		return model.LedgerStats{}, err
	}

	stats, err := s.ledger.Stats(ctx, s.now().UTC())
	if err != nil {
		return model.LedgerStats{}, fmt.Errorf("ledger stats: %w", err)
	}
	return stats, nil
}

func (s *Service) ready() error {
	if s.tokens == nil || s.ledger == nil {
		return errors.New("auth dependencies are not configured")
	}
	return nil
}

func (s *Service) triggerPrune(ownerID int64) {
	if s.pruner != nil {
		s.pruner.Trigger(ownerID)
	}
}
