package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	authsvc "github.com/celestya/backend/internal/services/auth"
	"github.com/celestya/backend/internal/transport/http/dto"
	httperrors "github.com/celestya/backend/internal/transport/http/errors"
)

const maxBodyBytes = 1 << 20

var kindStatus = map[authsvc.Kind]int{
	authsvc.KindInvalidRequest:        http.StatusBadRequest,
	authsvc.KindInvalidCredentials:    http.StatusUnauthorized,
	authsvc.KindNotVerified:           http.StatusForbidden,
	authsvc.KindInvalidRefresh:        http.StatusUnauthorized,
	authsvc.KindRefreshRevoked:        http.StatusUnauthorized,
	authsvc.KindRefreshReused:         http.StatusUnauthorized,
	authsvc.KindRefreshExpired:        http.StatusUnauthorized,
	authsvc.KindUnauthenticated:       http.StatusUnauthorized,
	authsvc.KindTokenMalformed:        http.StatusUnauthorized,
	authsvc.KindTokenSignatureInvalid: http.StatusUnauthorized,
	authsvc.KindTokenExpired:          http.StatusUnauthorized,
	authsvc.KindEmailTaken:            http.StatusConflict,
	authsvc.KindAlreadyVerified:       http.StatusConflict,
	authsvc.KindInvalidCode:           http.StatusBadRequest,
	authsvc.KindCodeExpired:           http.StatusBadRequest,
}

// StatusForKind maps a failure kind to its HTTP status. Unknown kinds are
// server errors.
func StatusForKind(kind authsvc.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteAuthError reports err with its kind code. Errors outside the taxonomy
// become a generic internal error so no storage detail reaches the client.
func WriteAuthError(w http.ResponseWriter, err error) {
	var authErr *authsvc.Error
	if !errors.As(err, &authErr) {
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
		return
	}
	httperrors.Write(w, StatusForKind(authErr.Kind), httperrors.APIError{
		Code:    string(authErr.Kind),
		Message: authErr.Error(),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusBadRequest, httperrors.APIError{Code: code, Message: message})
}

func writeInternal(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{Code: code, Message: message})
}

func writeTokenPair(w http.ResponseWriter, pair authsvc.TokenPair) {
	httperrors.Write(w, http.StatusOK, dto.TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    maxInt64(0, int64(time.Until(pair.AccessExpires).Seconds())),
	})
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// clientMeta returns the device and user agent captured by middleware, with a
// device id from the request body taking precedence.
func clientMeta(r *http.Request, bodyDeviceID string) authsvc.ClientMeta {
	meta := authsvc.ClientMetaFromContext(r.Context())
	if deviceID := strings.TrimSpace(bodyDeviceID); deviceID != "" {
		meta.DeviceID = deviceID
	}
	return meta
}

// clientIPFromRequest keys throttling on the connection address. Forwarding
// headers only count when the RealIP middleware has already folded them into
// RemoteAddr.
func clientIPFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
