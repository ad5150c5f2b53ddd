package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/celestya/backend/internal/domain/model"
	"github.com/celestya/backend/internal/repo/memory"
	authsvc "github.com/celestya/backend/internal/services/auth"
)

const testSigningKey = "test-signing-key-with-enough-entropy-123"

func TestRefreshRotatesPair(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{})
	ctx := context.Background()

	first, err := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{DeviceID: "phone-1", UserAgent: "celestya-ios/1.0"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	second, err := env.svc.Refresh(ctx, first.RefreshToken, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}
	if second.OwnerID != env.userID {
		t.Fatalf("unexpected owner id %d", second.OwnerID)
	}

	claims, err := env.svc.ValidateAccessToken(second.AccessToken)
	if err != nil {
		t.Fatalf("new access token validation failed: %v", err)
	}
	if claims.UserID != env.userID {
		t.Fatalf("unexpected subject %d", claims.UserID)
	}

	old, err := env.ledger.FindRefreshTokenByHash(ctx, authsvc.HashSecret(first.RefreshToken))
	if err != nil {
		t.Fatalf("find old record: %v", err)
	}
	if old.RevokedAt == nil || old.ReplacedByHash == nil {
		t.Fatalf("old record should be retired with a successor link")
	}
	if *old.ReplacedByHash != authsvc.HashSecret(second.RefreshToken) {
		t.Fatalf("successor link points at the wrong record")
	}

	successor, err := env.ledger.FindRefreshTokenByHash(ctx, authsvc.HashSecret(second.RefreshToken))
	if err != nil {
		t.Fatalf("find successor: %v", err)
	}
	if successor.DeviceID != "phone-1" || successor.UserAgent != "celestya-ios/1.0" {
		t.Fatalf("successor should inherit client metadata, got %q %q", successor.DeviceID, successor.UserAgent)
	}
}

func TestRefreshReplayReportsReuseAndLogsOwner(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	env := newAuthEnvWithLogger(t, authsvc.Config{}, zap.New(core))
	ctx := context.Background()

	first, err := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{DeviceID: "tablet"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := env.svc.Refresh(ctx, first.RefreshToken, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, err := env.svc.Refresh(ctx, first.RefreshToken, authsvc.ClientMeta{}); !errors.Is(err, authsvc.ErrRefreshReused) {
		t.Fatalf("expected reuse, got %v", err)
	}

	entries := logs.FilterMessage("refresh_token_reuse_detected").All()
	if len(entries) != 1 {
		t.Fatalf("expected one reuse log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["owner_id"] != env.userID {
		t.Fatalf("reuse log should carry owner id, got %v", fields["owner_id"])
	}

	// chain revocation is off by default
	if _, err := env.svc.Refresh(ctx, second.RefreshToken, authsvc.ClientMeta{}); err != nil {
		t.Fatalf("successor should stay usable without chain revocation: %v", err)
	}
}

func TestRefreshReuseRevokesChainWhenEnabled(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{RevokeChainOnReuse: true})
	ctx := context.Background()

	first, err := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := env.svc.Refresh(ctx, first.RefreshToken, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	third, err := env.svc.Refresh(ctx, second.RefreshToken, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	if _, err := env.svc.Refresh(ctx, first.RefreshToken, authsvc.ClientMeta{}); !errors.Is(err, authsvc.ErrRefreshReused) {
		t.Fatalf("expected reuse, got %v", err)
	}

	if _, err := env.svc.Refresh(ctx, third.RefreshToken, authsvc.ClientMeta{}); !errors.Is(err, authsvc.ErrRefreshRevoked) {
		t.Fatalf("chain head should be revoked after reuse, got %v", err)
	}
}

func TestRefreshFailureKinds(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{})
	ctx := context.Background()
	now := time.Now().UTC()

	seedRecord(t, env.ledger, env.userID, "expired-secret", now.Add(-2*time.Hour), now.Add(-time.Hour))

	rotatedAndExpired := seedRecord(t, env.ledger, env.userID, "rotated-expired-secret", now.Add(-2*time.Hour), now.Add(-time.Hour))
	if ok, _ := env.ledger.MarkRotated(ctx, rotatedAndExpired.ID, "some-successor", now.Add(-90*time.Minute)); !ok {
		t.Fatalf("seed rotation failed")
	}

	seedRecord(t, env.ledger, env.userID, "logged-out-secret", now, now.Add(time.Hour))
	if err := env.svc.Logout(ctx, "logged-out-secret"); err != nil {
		t.Fatalf("logout: %v", err)
	}

	cases := []struct {
		name   string
		secret string
		want   error
	}{
		{name: "unknown", secret: "never-issued", want: authsvc.ErrInvalidRefresh},
		{name: "empty", secret: "  ", want: authsvc.ErrInvalidRefresh},
		{name: "expired", secret: "expired-secret", want: authsvc.ErrRefreshExpired},
		{name: "reuse wins over expiry", secret: "rotated-expired-secret", want: authsvc.ErrRefreshReused},
		{name: "revoked", secret: "logged-out-secret", want: authsvc.ErrRefreshRevoked},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Refresh(ctx, tc.secret, authsvc.ClientMeta{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{})
	ctx := context.Background()

	pair, err := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if err := env.svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("first logout: %v", err)
	}
	first, _ := env.ledger.FindRefreshTokenByHash(ctx, authsvc.HashSecret(pair.RefreshToken))
	if first.RevokedAt == nil {
		t.Fatalf("record should be revoked after logout")
	}
	revokedAt := *first.RevokedAt

	time.Sleep(5 * time.Millisecond)
	if err := env.svc.Logout(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	second, _ := env.ledger.FindRefreshTokenByHash(ctx, authsvc.HashSecret(pair.RefreshToken))
	if second.RevokedAt == nil || !second.RevokedAt.Equal(revokedAt) {
		t.Fatalf("revoked_at changed on repeated logout: %v -> %v", revokedAt, second.RevokedAt)
	}

	if err := env.svc.Logout(ctx, "unknown-secret"); err != nil {
		t.Fatalf("logout with unknown secret should succeed: %v", err)
	}
	if err := env.svc.Logout(ctx, ""); !errors.Is(err, authsvc.ErrInvalidInput) {
		t.Fatalf("empty secret should be invalid input, got %v", err)
	}

	if _, err := env.svc.Refresh(ctx, pair.RefreshToken, authsvc.ClientMeta{}); !errors.Is(err, authsvc.ErrRefreshRevoked) {
		t.Fatalf("refresh after logout should report revoked, got %v", err)
	}
}

func TestLogoutAllRevokesEverySession(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{})
	ctx := context.Background()

	pairs := make([]authsvc.TokenPair, 0, 3)
	for i := 0; i < 3; i++ {
		pair, err := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{})
		if err != nil {
			t.Fatalf("issue %d: %v", i, err)
		}
		pairs = append(pairs, pair)
	}

	revoked, err := env.svc.LogoutAll(ctx, env.userID)
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("expected 3 revoked sessions, got %d", revoked)
	}

	for _, pair := range pairs {
		if _, err := env.svc.Refresh(ctx, pair.RefreshToken, authsvc.ClientMeta{}); !errors.Is(err, authsvc.ErrRefreshRevoked) {
			t.Fatalf("expected revoked after logout-all, got %v", err)
		}
	}

	active, err := env.svc.ActiveSessions(ctx, env.userID)
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(active))
	}
}

func TestConcurrentRefreshRotatesOnce(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{})
	ctx := context.Background()

	pair, err := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.Refresh(ctx, pair.RefreshToken, authsvc.ClientMeta{})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", successes)
	}
	for _, err := range failures {
		if !errors.Is(err, authsvc.ErrRefreshReused) && !errors.Is(err, authsvc.ErrRefreshRevoked) {
			t.Fatalf("losing caller got unexpected error: %v", err)
		}
	}

	live := 0
	for _, row := range env.ledger.All() {
		if row.State(time.Now()) == model.RefreshTokenActive {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected a single live successor, got %d", live)
	}
}

func TestIssueChecksAccountState(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{})
	ctx := context.Background()

	pending, err := env.users.CreateUser(ctx, model.User{Email: "pending@celestya.example"}, model.EmailVerification{})
	if err != nil {
		t.Fatalf("create pending user: %v", err)
	}

	if _, err := env.svc.Issue(ctx, pending.ID, authsvc.ClientMeta{}); !errors.Is(err, authsvc.ErrNotVerified) {
		t.Fatalf("expected not verified, got %v", err)
	}
	if _, err := env.svc.Issue(ctx, 9999, authsvc.ClientMeta{}); !errors.Is(err, authsvc.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}
	if _, err := env.svc.Issue(ctx, 0, authsvc.ClientMeta{}); !errors.Is(err, authsvc.ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero id, got %v", err)
	}
}

func TestRotationTriggersPruning(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{})
	ctx := context.Background()

	pair, err := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken, authsvc.ClientMeta{}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken, authsvc.ClientMeta{}); err == nil {
		t.Fatalf("replay should fail")
	}

	owners := env.pruner.Owners()
	if len(owners) != 2 {
		t.Fatalf("expected prune triggers for issue and refresh only, got %v", owners)
	}
	for _, owner := range owners {
		if owner != env.userID {
			t.Fatalf("unexpected owner in trigger: %d", owner)
		}
	}
}

func TestStatsReflectLedger(t *testing.T) {
	env := newAuthEnv(t, authsvc.Config{})
	ctx := context.Background()

	pair, _ := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{})
	_, _ = env.svc.Refresh(ctx, pair.RefreshToken, authsvc.ClientMeta{})
	other, _ := env.svc.Issue(ctx, env.userID, authsvc.ClientMeta{})
	_ = env.svc.Logout(ctx, other.RefreshToken)

	stats, err := env.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Active != 1 || stats.Rotated != 1 || stats.Revoked != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

type authEnv struct {
	svc    *authsvc.Service
	ledger *memory.Ledger
	users  *memory.Users
	pruner *recordingPruner
	userID int64
}

func newAuthEnv(t *testing.T, cfg authsvc.Config) authEnv {
	t.Helper()
	return newAuthEnvWithLogger(t, cfg, zap.NewNop())
}

func newAuthEnvWithLogger(t *testing.T, cfg authsvc.Config, logger *zap.Logger) authEnv {
	t.Helper()

	codec, err := authsvc.NewJWTManager(testSigningKey, "celestya-test", 15*time.Minute)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}

	ledger := memory.NewLedger()
	users := memory.NewUsers()
	user, err := users.CreateUser(context.Background(), model.User{
		Email:         "verified@celestya.example",
		EmailVerified: true,
	}, model.EmailVerification{})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	pruner := &recordingPruner{}
	svc := authsvc.NewService(authsvc.Dependencies{
		Tokens: codec,
		Ledger: ledger,
		Users:  users,
		Pruner: pruner,
		Logger: logger,
	}, cfg)

	return authEnv{svc: svc, ledger: ledger, users: users, pruner: pruner, userID: user.ID}
}

func seedRecord(t *testing.T, ledger *memory.Ledger, ownerID int64, secret string, createdAt, expiresAt time.Time) model.RefreshToken {
	t.Helper()

	row, outcome, err := ledger.InsertRefreshToken(context.Background(), model.RefreshToken{
		OwnerID:    ownerID,
		SecretHash: authsvc.HashSecret(secret),
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
	})
	if err != nil || outcome != authsvc.Inserted {
		t.Fatalf("seed record %q: outcome=%v err=%v", secret, outcome, err)
	}
	return row
}

type recordingPruner struct {
	mu     sync.Mutex
	owners []int64
}

func (p *recordingPruner) Trigger(ownerID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owners = append(p.owners, ownerID)
}

func (p *recordingPruner) Owners() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.owners...)
}
