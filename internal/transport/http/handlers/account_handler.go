package handlers

import (
	"net/http"
	"strings"

	accountssvc "github.com/celestya/backend/internal/services/accounts"
	"github.com/celestya/backend/internal/transport/http/dto"
	httperrors "github.com/celestya/backend/internal/transport/http/errors"
)

type AccountHandler struct {
	service  *accountssvc.Service
	throttle *Throttle
}

func NewAccountHandler(service *accountssvc.Service, throttle *Throttle) *AccountHandler {
	return &AccountHandler{service: service, throttle: throttle}
}

func (h *AccountHandler) Register(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "ACCOUNT_SERVICE_UNAVAILABLE", "account service is unavailable")
		return
	}

	var req dto.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "invalid request body")
		return
	}

	user, err := h.service.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteAuthError(w, err)
		return
	}

	httperrors.Write(w, http.StatusCreated, dto.RegisterResponse{
		ID:            user.ID,
		Email:         user.Email,
		EmailVerified: user.EmailVerified,
		CreatedAt:     user.CreatedAt,
	})
}

func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "ACCOUNT_SERVICE_UNAVAILABLE", "account service is unavailable")
		return
	}
	if !h.throttle.admit(w, r, actionLogin, clientIPFromRequest(r)) {
		return
	}

	var req dto.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "invalid request body")
		return
	}

	pair, err := h.service.Login(r.Context(), req.Email, req.Password, clientMeta(r, ""))
	if err != nil {
		WriteAuthError(w, err)
		return
	}

	writeTokenPair(w, pair)
}

func (h *AccountHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "ACCOUNT_SERVICE_UNAVAILABLE", "account service is unavailable")
		return
	}

	if !h.throttle.admit(w, r, actionVerify, "ip:"+clientIPFromRequest(r)) {
		return
	}

	var req dto.VerifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "invalid request body")
		return
	}
	// The per-email budget is shared by every client address.
	if email := strings.ToLower(strings.TrimSpace(req.Email)); email != "" {
		if !h.throttle.admit(w, r, actionVerify, "email:"+email) {
			return
		}
	}

	pair, err := h.service.VerifyEmail(r.Context(), req.Email, req.Code, clientMeta(r, ""))
	if err != nil {
		WriteAuthError(w, err)
		return
	}

	writeTokenPair(w, pair)
}

func (h *AccountHandler) VerifyLink(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "ACCOUNT_SERVICE_UNAVAILABLE", "account service is unavailable")
		return
	}

	if !h.throttle.admit(w, r, actionVerify, "ip:"+clientIPFromRequest(r)) {
		return
	}

	pair, err := h.service.VerifyLink(r.Context(), r.URL.Query().Get("token"), clientMeta(r, ""))
	if err != nil {
		WriteAuthError(w, err)
		return
	}

	writeTokenPair(w, pair)
}

// ResendVerification answers ok whether or not the email belongs to an
// account.
func (h *AccountHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "ACCOUNT_SERVICE_UNAVAILABLE", "account service is unavailable")
		return
	}

	var req dto.ResendVerificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, "INVALID_REQUEST", "invalid request body")
		return
	}
	if !h.throttle.admit(w, r, actionResend, strings.ToLower(strings.TrimSpace(req.Email))) {
		return
	}

	if err := h.service.ResendVerification(r.Context(), req.Email); err != nil {
		WriteAuthError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, dto.OKResponse{OK: true})
}
