package apiapp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/celestya/backend/internal/repo/memory"
	authsvc "github.com/celestya/backend/internal/services/auth"
)

func newTestAuthService(t *testing.T) *authsvc.Service {
	t.Helper()

	tokens, err := authsvc.NewJWTManager("middleware-secret", "celestya", 15*time.Minute)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	return authsvc.NewService(authsvc.Dependencies{
		Tokens: tokens,
		Ledger: memory.NewLedger(),
		Logger: zap.NewNop(),
	}, authsvc.Config{RefreshTTL: time.Hour})
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()

	var payload struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload.Code
}

func TestAuthMiddlewareRejectsMissingAndBrokenTokens(t *testing.T) {
	mw := AuthMiddleware(newTestAuthService(t), zap.NewNop())

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing", header: "", code: "UNAUTHENTICATED"},
		{name: "wrong scheme", header: "Basic abc", code: "UNAUTHENTICATED"},
		{name: "empty bearer", header: "Bearer   ", code: "UNAUTHENTICATED"},
		{name: "garbage", header: "Bearer not-a-jwt", code: "TOKEN_MALFORMED"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/auth/sessions", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()

			mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				t.Fatalf("handler must not be called")
			})).ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
			}
			if got := errorCode(t, rr); got != tc.code {
				t.Fatalf("unexpected code: got %s want %s", got, tc.code)
			}
		})
	}
}

func TestAuthMiddlewareRejectsForeignSignature(t *testing.T) {
	foreign, err := authsvc.NewJWTManager("another-secret", "celestya", 15*time.Minute)
	if err != nil {
		t.Fatalf("new jwt manager: %v", err)
	}
	token, _, err := foreign.Issue(42)
	if err != nil {
		t.Fatalf("sign foreign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	AuthMiddleware(newTestAuthService(t), zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler must not be called")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusUnauthorized)
	}
	if got := errorCode(t, rr); got != "TOKEN_SIGNATURE_INVALID" {
		t.Fatalf("unexpected code: %s", got)
	}
}

func TestAuthMiddlewareAttachesIdentity(t *testing.T) {
	service := newTestAuthService(t)
	pair, err := service.Issue(httptest.NewRequest(http.MethodGet, "/", nil).Context(), 7, authsvc.ClientMeta{})
	if err != nil {
		t.Fatalf("issue pair: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/sessions", nil)
	req.Header.Set("Authorization", "bearer "+pair.AccessToken)
	rr := httptest.NewRecorder()

	var gotUserID int64
	AuthMiddleware(service, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := authsvc.IdentityFromContext(r.Context())
		if !ok {
			t.Fatalf("identity missing from context")
		}
		gotUserID = identity.UserID
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: got %d want %d", rr.Code, http.StatusNoContent)
	}
	if gotUserID != 7 {
		t.Fatalf("unexpected user id: got %d want 7", gotUserID)
	}
}

func TestAdminTokenMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		provided   string
		status     int
		code       string
	}{
		{name: "disabled", configured: "", provided: "anything", status: http.StatusForbidden, code: "ADMIN_DISABLED"},
		{name: "missing", configured: "s3cret", provided: "", status: http.StatusUnauthorized, code: "UNAUTHENTICATED"},
		{name: "wrong", configured: "s3cret", provided: "guess", status: http.StatusUnauthorized, code: "UNAUTHENTICATED"},
		{name: "match", configured: "s3cret", provided: "s3cret", status: http.StatusNoContent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/sessions/stats", nil)
			if tc.provided != "" {
				req.Header.Set("X-Admin-Token", tc.provided)
			}
			rr := httptest.NewRecorder()

			AdminTokenMiddleware(tc.configured, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})).ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("unexpected status: got %d want %d", rr.Code, tc.status)
			}
			if tc.code != "" {
				if got := errorCode(t, rr); got != tc.code {
					t.Fatalf("unexpected code: got %s want %s", got, tc.code)
				}
			}
		})
	}
}

func TestClientMetaMiddlewareTruncatesHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.Header.Set("X-Device-Id", "  "+strings.Repeat("d", maxDeviceIDLen+20)+"  ")
	req.Header.Set("User-Agent", strings.Repeat("u", maxUserAgentLen+1))
	rr := httptest.NewRecorder()

	var meta authsvc.ClientMeta
	ClientMetaMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta = authsvc.ClientMetaFromContext(r.Context())
	})).ServeHTTP(rr, req)

	if len(meta.DeviceID) != maxDeviceIDLen || strings.Contains(meta.DeviceID, " ") {
		t.Fatalf("unexpected device id length %d", len(meta.DeviceID))
	}
	if len(meta.UserAgent) != maxUserAgentLen {
		t.Fatalf("unexpected user agent length %d", len(meta.UserAgent))
	}
}

func TestForwardingHeadersNeedTrustProxy(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		want       string
	}{
		{name: "direct", trustProxy: false, want: "192.0.2.10:5150"},
		{name: "behind proxy", trustProxy: true, want: "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			ApplyMiddlewares(r, zap.NewNop(), nil, tt.trustProxy)
			r.Get("/addr", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(r.RemoteAddr))
			})

			req := httptest.NewRequest(http.MethodGet, "/addr", nil)
			req.RemoteAddr = "192.0.2.10:5150"
			req.Header.Set("X-Forwarded-For", "203.0.113.9")
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			if got := rr.Body.String(); got != tt.want {
				t.Fatalf("remote addr: got %q want %q", got, tt.want)
			}
		})
	}
}
