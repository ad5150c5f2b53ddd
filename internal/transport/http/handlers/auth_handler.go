package handlers

import (
	"net/http"

	authsvc "github.com/celestya/backend/internal/services/auth"
	"github.com/celestya/backend/internal/transport/http/dto"
	httperrors "github.com/celestya/backend/internal/transport/http/errors"
)

type AuthHandler struct {
	service  *authsvc.Service
	throttle *Throttle
}

func NewAuthHandler(service *authsvc.Service, throttle *Throttle) *AuthHandler {
	return &AuthHandler{service: service, throttle: throttle}
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "AUTH_SERVICE_UNAVAILABLE", "auth service is unavailable")
		return
	}
	if !h.throttle.admit(w, r, actionRefresh, clientIPFromRequest(r)) {
		return
	}

	var req dto.RefreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "invalid request body")
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken, clientMeta(r, req.DeviceID))
	if err != nil {
		WriteAuthError(w, err)
		return
	}

	writeTokenPair(w, pair)
}

// Logout needs only the refresh secret so a client with an expired access
// token can still end its session.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "AUTH_SERVICE_UNAVAILABLE", "auth service is unavailable")
		return
	}

	var req dto.LogoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "invalid request body")
		return
	}

	if err := h.service.Logout(r.Context(), req.RefreshToken); err != nil {
		WriteAuthError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, dto.OKResponse{OK: true})
}

func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "AUTH_SERVICE_UNAVAILABLE", "auth service is unavailable")
		return
	}

	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		WriteAuthError(w, authsvc.ErrUnauthenticated)
		return
	}

	if _, err := h.service.LogoutAll(r.Context(), identity.UserID); err != nil {
		WriteAuthError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "AUTH_SERVICE_UNAVAILABLE", "auth service is unavailable")
		return
	}

	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		WriteAuthError(w, authsvc.ErrUnauthenticated)
		return
	}

	sessions, err := h.service.ActiveSessions(r.Context(), identity.UserID)
	if err != nil {
		WriteAuthError(w, err)
		return
	}

	items := make([]dto.SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, dto.SessionResponse{
			ID:         session.ID,
			DeviceID:   session.DeviceID,
			UserAgent:  session.UserAgent,
			CreatedAt:  session.CreatedAt,
			LastUsedAt: session.LastUsedAt,
			ExpiresAt:  session.ExpiresAt,
		})
	}

	httperrors.Write(w, http.StatusOK, dto.SessionsResponse{Items: items})
}
