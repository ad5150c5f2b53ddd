package accounts

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/celestya/backend/internal/domain/model"
	"github.com/celestya/backend/internal/pkg/validate"
	authsvc "github.com/celestya/backend/internal/services/auth"
)

const (
	codeDigits     = 6
	defaultCodeTTL = 15 * time.Minute
	defaultLinkTTL = 24 * time.Hour
	verifyLinkPath = "/v1/auth/verify-link"
)

type UserStore interface {
	CreateUser(ctx context.Context, user model.User, verification model.EmailVerification) (model.User, error)
	FindUserByEmail(ctx context.Context, email string) (model.User, error)
	FindUserByVerificationLink(ctx context.Context, linkHash string) (model.User, model.EmailVerification, error)
	PendingVerification(ctx context.Context, userID int64) (model.EmailVerification, error)
	SetVerification(ctx context.Context, userID int64, verification model.EmailVerification, at time.Time) error
	// MarkEmailVerified reports false when the account was already verified.
	MarkEmailVerified(ctx context.Context, userID int64, at time.Time) (bool, error)
}

// SessionIssuer starts a session once an account has proven itself.
type SessionIssuer interface {
	Issue(ctx context.Context, userID int64, meta authsvc.ClientMeta) (authsvc.TokenPair, error)
}

type Mailer interface {
	SendVerification(ctx context.Context, mail model.VerificationMail) error
}

type Config struct {
	CodeTTL       time.Duration
	LinkTTL       time.Duration
	PublicBaseURL string
	BcryptCost    int
}

type Dependencies struct {
	Users    UserStore
	Sessions SessionIssuer
	Mailer   Mailer
	Logger   *zap.Logger
}

type Service struct {
	users    UserStore
	sessions SessionIssuer
	mailer   Mailer
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = defaultCodeTTL
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = defaultLinkTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	cfg.PublicBaseURL = strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		users:    deps.Users,
		sessions: deps.Sessions,
		mailer:   deps.Mailer,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Register creates an unverified account and mails its verification code and
// link. No session is issued until the email is verified.
func (s *Service) Register(ctx context.Context, email, password string) (model.User, error) {
	email = normalizeEmail(email)
	if !validate.Email(email) || !validate.LengthBetween(password, minPasswordBytes, maxPasswordBytes) {
		return model.User{}, authsvc.ErrInvalidInput
	}
	if s.users == nil {
		return model.User{}, errors.New("user store is not configured")
	}

	passwordHash, err := hashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	verification, mail, err := s.newVerification(email, now)
	if err != nil {
		return model.User{}, err
	}

	user, err := s.users.CreateUser(ctx, model.User{
		Email:         email,
		PasswordHash:  passwordHash,
		EmailVerified: false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, verification)
	if err != nil {
		if errors.Is(err, model.ErrEmailTaken) {
			return model.User{}, authsvc.ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("user registered", zap.Int64("user_id", user.ID))
	s.sendVerification(ctx, user.ID, mail)
	return user, nil
}

// VerifyEmail checks the emailed code, marks the account verified and issues
// its first token pair. Unknown emails and wrong codes look the same.
func (s *Service) VerifyEmail(ctx context.Context, email, code string, meta authsvc.ClientMeta) (authsvc.TokenPair, error) {
	email = normalizeEmail(email)
	code = strings.TrimSpace(code)
	if !validate.Required(email) || !validate.Required(code) {
		return authsvc.TokenPair{}, authsvc.ErrInvalidInput
	}
	if err := s.ready(); err != nil {
		return authsvc.TokenPair{}, err
	}

	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return authsvc.TokenPair{}, authsvc.ErrInvalidCode
		}
		return authsvc.TokenPair{}, fmt.Errorf("find user: %w", err)
	}
	if user.EmailVerified {
		return authsvc.TokenPair{}, authsvc.ErrAlreadyVerified
	}

	pending, err := s.users.PendingVerification(ctx, user.ID)
	if err != nil {
		return authsvc.TokenPair{}, fmt.Errorf("load pending verification: %w", err)
	}
	if pending.CodeHash == "" || !hashesEqual(pending.CodeHash, authsvc.HashSecret(code)) {
		return authsvc.TokenPair{}, authsvc.ErrInvalidCode
	}

	now := s.now().UTC()
	if now.After(pending.CodeExpiresAt) {
		return authsvc.TokenPair{}, authsvc.ErrCodeExpired
	}

	return s.completeVerification(ctx, user.ID, now, meta)
}

// VerifyLink is VerifyEmail driven by the one-time link token. Completing
// verification clears the token, so a second visit fails.
func (s *Service) VerifyLink(ctx context.Context, token string, meta authsvc.ClientMeta) (authsvc.TokenPair, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return authsvc.TokenPair{}, authsvc.ErrInvalidInput
	}
	if err := s.ready(); err != nil {
		return authsvc.TokenPair{}, err
	}

	user, pending, err := s.users.FindUserByVerificationLink(ctx, authsvc.HashSecret(token))
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return authsvc.TokenPair{}, authsvc.ErrInvalidCode
		}
		return authsvc.TokenPair{}, fmt.Errorf("find user by link: %w", err)
	}
	if user.EmailVerified {
		return authsvc.TokenPair{}, authsvc.ErrAlreadyVerified
	}

	now := s.now().UTC()
	if now.After(pending.LinkExpiresAt) {
		return authsvc.TokenPair{}, authsvc.ErrCodeExpired
	}

	return s.completeVerification(ctx, user.ID, now, meta)
}

// ResendVerification replaces the pending code and link of an unverified
// account. It reports success for unknown and already verified emails.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if !validate.Email(email) {
		return authsvc.ErrInvalidInput
	}
	if s.users == nil {
		return errors.New("user store is not configured")
	}

	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return nil
		}
		return fmt.Errorf("find user: %w", err)
	}
	if user.EmailVerified {
		return nil
	}

	now := s.now().UTC()
	verification, mail, err := s.newVerification(user.Email, now)
	if err != nil {
		return err
	}
	if err := s.users.SetVerification(ctx, user.ID, verification, now); err != nil {
		return fmt.Errorf("store verification: %w", err)
	}

	s.sendVerification(ctx, user.ID, mail)
	return nil
}

// Login issues a pair for a verified account. Unknown emails and wrong
// passwords both report invalid credentials.
func (s *Service) Login(ctx context.Context, email, password string, meta authsvc.ClientMeta) (authsvc.TokenPair, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return authsvc.TokenPair{}, authsvc.ErrInvalidInput
	}
	if err := s.ready(); err != nil {
		return authsvc.TokenPair{}, err
	}

	user, err := s.users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			burnPasswordCheck(password)
			return authsvc.TokenPair{}, authsvc.ErrInvalidCredentials
		}
		return authsvc.TokenPair{}, fmt.Errorf("find user: %w", err)
	}
	if err := checkPassword(user.PasswordHash, password); err != nil {
		return authsvc.TokenPair{}, authsvc.ErrInvalidCredentials
	}
	if !user.EmailVerified {
		return authsvc.TokenPair{}, authsvc.ErrNotVerified
	}

	pair, err := s.sessions.Issue(ctx, user.ID, meta)
	if err != nil {
		return authsvc.TokenPair{}, err
	}
	s.logger.Info("user logged in", zap.Int64("user_id", user.ID), zap.String("device_id", meta.DeviceID))
	return pair, nil
}

func (s *Service) completeVerification(ctx context.Context, userID int64, now time.Time, meta authsvc.ClientMeta) (authsvc.TokenPair, error) {
	changed, err := s.users.MarkEmailVerified(ctx, userID, now)
	if err != nil {
		return authsvc.TokenPair{}, fmt.Errorf("mark email verified: %w", err)
	}
	// Two requests holding the same code can both pass the checks above; only
	// the one that flipped the flag gets a session.
	if !changed {
		return authsvc.TokenPair{}, authsvc.ErrAlreadyVerified
	}
	s.logger.Info("email verified", zap.Int64("user_id", userID))

	return s.sessions.Issue(ctx, userID, meta)
}

func (s *Service) newVerification(email string, now time.Time) (model.EmailVerification, model.VerificationMail, error) {
	code, err := authsvc.NewNumericCode(codeDigits)
	if err != nil {
		return model.EmailVerification{}, model.VerificationMail{}, fmt.Errorf("generate verification code: %w", err)
	}
	linkToken := uuid.NewString()

	verification := model.EmailVerification{
		CodeHash:      authsvc.HashSecret(code),
		CodeExpiresAt: now.Add(s.cfg.CodeTTL),
		LinkHash:      authsvc.HashSecret(linkToken),
		LinkExpiresAt: now.Add(s.cfg.LinkTTL),
	}
	mail := model.VerificationMail{
		To:            email,
		Code:          code,
		CodeExpiresAt: verification.CodeExpiresAt,
		Link:          s.verifyLinkURL(linkToken),
		LinkExpiresAt: verification.LinkExpiresAt,
	}
	return verification, mail, nil
}

func (s *Service) verifyLinkURL(token string) string {
	return s.cfg.PublicBaseURL + verifyLinkPath + "?token=" + url.QueryEscape(token)
}

// sendVerification never fails the request; the user can ask for a resend.
func (s *Service) sendVerification(ctx context.Context, userID int64, mail model.VerificationMail) {
	if s.mailer == nil {
		s.logger.Warn("no mailer configured, verification mail dropped", zap.Int64("user_id", userID))
		return
	}
	if err := s.mailer.SendVerification(ctx, mail); err != nil {
		s.logger.Warn("send verification mail failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (s *Service) ready() error {
	if s.users == nil || s.sessions == nil {
		return errors.New("account dependencies are not configured")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
