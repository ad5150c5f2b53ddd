package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	httperrors "github.com/celestya/backend/internal/transport/http/errors"
)

const (
	actionLogin   = "login"
	actionRefresh = "refresh"
	actionResend  = "resend_verification"
	actionVerify  = "verify"
)

type RateLimiter interface {
	Allow(ctx context.Context, action, subject string) (int64, bool, error)
	RetryAfter(ctx context.Context, action, subject string) (int64, error)
}

// Throttle guards credential endpoints. A nil Throttle or limiter admits every
// request, and limiter failures admit the request too.
type Throttle struct {
	limiter RateLimiter
	logger  *zap.Logger
}

func NewThrottle(limiter RateLimiter, logger *zap.Logger) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttle{limiter: limiter, logger: logger}
}

// admit counts the attempt and writes 429 when it is over the limit.
func (t *Throttle) admit(w http.ResponseWriter, r *http.Request, action, subject string) bool {
	if t == nil || t.limiter == nil || subject == "" {
		return true
	}

	// A subject that already used up its window is turned away without
	// counting another attempt.
	wait, err := t.limiter.RetryAfter(r.Context(), action, subject)
	if err != nil {
		t.logger.Warn("rate limiter unavailable, admitting request", zap.String("action", action), zap.Error(err))
		return true
	}
	if wait > 0 {
		t.logger.Info("rate limit hit", zap.String("action", action), zap.Int64("retry_after_sec", wait))
		httperrors.WriteRateLimited(w, wait)
		return false
	}

	retryAfter, allowed, err := t.limiter.Allow(r.Context(), action, subject)
	if err != nil {
		t.logger.Warn("rate limiter unavailable, admitting request", zap.String("action", action), zap.Error(err))
		return true
	}
	if !allowed {
		t.logger.Info("rate limit hit", zap.String("action", action), zap.Int64("retry_after_sec", retryAfter))
		httperrors.WriteRateLimited(w, retryAfter)
		return false
	}
	return true
}
