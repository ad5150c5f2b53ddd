package apiapp

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	authsvc "github.com/celestya/backend/internal/services/auth"
	httperrors "github.com/celestya/backend/internal/transport/http/errors"
	"github.com/celestya/backend/internal/transport/http/handlers"
)

const (
	maxDeviceIDLen  = 128
	maxUserAgentLen = 512
)

// ApplyMiddlewares installs the shared chain. RealIP rewrites RemoteAddr from
// forwarding headers, so it is only installed when trustProxy is set;
// otherwise a client could pick its own rate limit key.
func ApplyMiddlewares(r chiRouter, log *zap.Logger, allowedOrigins []string, trustProxy bool) {
	r.Use(chimiddleware.RequestID)
	if trustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-Id", "X-Admin-Token"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(requestLogger(log))
	r.Use(ClientMetaMiddleware)
}

// ClientMetaMiddleware records the caller's device id and user agent for the
// session ledger. The values are display metadata and are trimmed to a sane
// length.
func ClientMetaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := authsvc.ClientMeta{
			DeviceID:  truncate(strings.TrimSpace(r.Header.Get("X-Device-Id")), maxDeviceIDLen),
			UserAgent: truncate(strings.TrimSpace(r.UserAgent()), maxUserAgentLen),
		}
		next.ServeHTTP(w, r.WithContext(authsvc.WithClientMeta(r.Context(), meta)))
	})
}

func AuthMiddleware(authService *authsvc.Service, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authService == nil {
				httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{
					Code:    "AUTH_SERVICE_UNAVAILABLE",
					Message: "auth service is unavailable",
				})
				return
			}

			accessToken, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				handlers.WriteAuthError(w, authsvc.ErrUnauthenticated)
				return
			}

			claims, err := authService.ValidateAccessToken(accessToken)
			if err != nil {
				if log != nil {
					log.Debug("auth middleware validation failed", zap.Error(err))
				}
				handlers.WriteAuthError(w, err)
				return
			}

			ctx := authsvc.WithIdentity(r.Context(), authsvc.Identity{UserID: claims.UserID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminTokenMiddleware guards operator routes with a shared token. An empty
// configured token disables the routes entirely.
func AdminTokenMiddleware(token string, log *zap.Logger) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(token))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				httperrors.Write(w, http.StatusForbidden, httperrors.APIError{
					Code:    "ADMIN_DISABLED",
					Message: "admin endpoints are disabled",
				})
				return
			}

			provided := []byte(strings.TrimSpace(r.Header.Get("X-Admin-Token")))
			if subtle.ConstantTimeCompare(provided, expected) != 1 {
				if log != nil {
					log.Warn("admin token rejected",
						zap.String("path", r.URL.Path),
						zap.String("request_id", chimiddleware.GetReqID(r.Context())),
					)
				}
				httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{
					Code:    "UNAUTHENTICATED",
					Message: "invalid admin token",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(value string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if log != nil {
				log.Info("http_request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.String("request_id", chimiddleware.GetReqID(r.Context())),
					zap.Duration("duration", time.Since(start)),
				)
			}
		})
	}
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}

type chiRouter interface {
	Use(middlewares ...func(http.Handler) http.Handler)
}
