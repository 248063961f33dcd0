package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/identitykit/identity-service/internal/http/response"
	"github.com/identitykit/identity-service/internal/service"
)

type UserHandler struct {
	users    *service.UserService
	sessions service.SessionRegistry
	auth     *service.AuthService
}

func NewUserHandler(users *service.UserService, sessions service.SessionRegistry, auth *service.AuthService) *UserHandler {
	return &UserHandler{users: users, sessions: sessions, auth: auth}
}

type updateProfileRequest struct {
	Username *string `json:"username,omitempty"`
	Phone    *string `json:"phone,omitempty"`
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	user, permissions, err := h.users.GetByID(userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{
		"user":        user,
		"permissions": permissions,
	})
}

func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.users.UpdateProfile(userID, service.UpdateProfileInput{
		Username: req.Username,
		Phone:    req.Phone,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"user": user})
}

func (h *UserHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	sessions, err := h.sessions.GetActiveSessions(userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *UserHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	sessionID, err := strconv.ParseUint(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid session id", nil)
		return
	}
	session, err := h.sessions.FindSessionByID(uint(sessionID))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	// A session can only be revoked by its owner.
	if session.UserID != userID {
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
		return
	}
	if _, err := h.sessions.DeactivateSession(uint(sessionID)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *UserHandler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	var req refreshRequest
	_ = decodeJSONLenient(r, &req)
	var exceptSessionID *uint
	if req.RefreshToken != "" {
		if stored, err := h.auth.FindRefreshToken(req.RefreshToken); err == nil && stored.UserID == userID {
			exceptSessionID = stored.SessionID
		}
	}
	count, err := h.sessions.DeactivateAllUserSessions(userID, exceptSessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"revoked": count})
}
