package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/celestya/backend/internal/jobs/pruning"
	authsvc "github.com/celestya/backend/internal/services/auth"
	"github.com/celestya/backend/internal/transport/http/dto"
	httperrors "github.com/celestya/backend/internal/transport/http/errors"
)

type Sweeper interface {
	Sweep(ctx context.Context) (pruning.Result, error)
}

type AdminHandler struct {
	service *authsvc.Service
	sweeper Sweeper
	logger  *zap.Logger
}

func NewAdminHandler(service *authsvc.Service, sweeper Sweeper, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{service: service, sweeper: sweeper, logger: logger}
}

func (h *AdminHandler) SessionStats(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "AUTH_SERVICE_UNAVAILABLE", "auth service is unavailable")
		return
	}

	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("admin session stats failed", zap.Error(err))
		WriteAuthError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, dto.SessionStatsResponse{
		Total:   stats.Total,
		Active:  stats.Active,
		Revoked: stats.Revoked,
		Rotated: stats.Rotated,
		Expired: stats.Expired,
	})
}

func (h *AdminHandler) RevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeInternal(w, "AUTH_SERVICE_UNAVAILABLE", "auth service is unavailable")
		return
	}

	userID, ok := adminTargetUserIDFromRequest(r)
	if !ok {
		writeBadRequest(w, "INVALID_REQUEST", "invalid user id")
		return
	}

	revoked, err := h.service.LogoutAll(r.Context(), userID)
	if err != nil {
		h.logger.Error("admin revoke sessions failed", zap.Int64("owner_id", userID), zap.Error(err))
		WriteAuthError(w, err)
		return
	}
	h.logger.Info("admin revoked user sessions", zap.Int64("owner_id", userID), zap.Int64("revoked", revoked))

	httperrors.Write(w, http.StatusOK, dto.RevokeUserSessionsResponse{UserID: userID, Revoked: revoked})
}

func (h *AdminHandler) Prune(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		httperrors.Write(w, http.StatusServiceUnavailable, httperrors.APIError{
			Code:    "PRUNING_UNAVAILABLE",
			Message: "session pruning is not configured",
		})
		return
	}

	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.logger.Error("admin prune failed", zap.Error(err))
		writeInternal(w, "INTERNAL_ERROR", "internal server error")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.PruneResponse{Deleted: result.Deleted, Revoked: result.Revoked})
}

func adminTargetUserIDFromRequest(r *http.Request) (int64, bool) {
	if r == nil {
		return 0, false
	}
	rawID := strings.TrimSpace(chi.URLParam(r, "id"))
	if rawID == "" {
		return 0, false
	}
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || userID <= 0 {
		return 0, false
	}
	return userID, true
}
