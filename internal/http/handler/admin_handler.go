package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/http/response"
	"github.com/identitykit/identity-service/internal/observability"
	"github.com/identitykit/identity-service/internal/repository"
	"github.com/identitykit/identity-service/internal/service"
)

type AdminHandler struct {
	users *service.UserService
	rbac  *service.RBACService
	auth  *service.AuthService
}

func NewAdminHandler(users *service.UserService, rbac *service.RBACService, auth *service.AuthService) *AdminHandler {
	return &AdminHandler{users: users, rbac: rbac, auth: auth}
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type setRolesRequest struct {
	RoleIDs []uint `json:"role_ids"`
}

type upsertRoleRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	IsDefault     bool   `json:"is_default"`
	PermissionIDs []uint `json:"permission_ids"`
}

type setPermissionsRequest struct {
	PermissionIDs []uint `json:"permission_ids"`
}

type createPermissionRequest struct {
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

func pathID(r *http.Request, name string) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	result, err := h.users.List(repository.UserListQuery{
		PageRequest: repository.PageRequest{Page: page, PageSize: pageSize},
		SortBy:      q.Get("sort_by"),
		SortOrder:   q.Get("sort_order"),
		Email:       q.Get("email"),
		Status:      q.Get("status"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid user id", nil)
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

func (h *AdminHandler) SetUserStatus(w http.ResponseWriter, r *http.Request) {
	actorID, ok := subjectUserID(r, h.auth)
	if !ok {
		response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
		return
	}
	userID, ok := pathID(r, "userID")
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid user id", nil)
		return
	}
	var req setStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := domain.UserStatus(req.Status)
	switch status {
	case domain.UserStatusActive, domain.UserStatusSuspended, domain.UserStatusPendingVerification:
	default:
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "unknown status", nil)
		return
	}
	user, err := h.users.SetStatus(actorID, userID, status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.user.status", "actor_id", actorID, "user_id", userID, "status", string(status))
	response.JSON(w, r, http.StatusOK, map[string]any{"user": user})
}

func (h *AdminHandler) SetUserRoles(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid user id", nil)
		return
	}
	var req setRolesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.users.SetRoles(r.Context(), userID, req.RoleIDs); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.user.roles", "user_id", userID)
	roles, err := h.rbac.UserRoles(userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"roles": roles})
}

func (h *AdminHandler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.rbac.ListRoles()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"roles": roles})
}

func (h *AdminHandler) GetRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(r, "roleID")
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid role id", nil)
		return
	}
	role, err := h.rbac.GetRole(roleID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"role": role})
}

func (h *AdminHandler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req upsertRoleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "role name is required", nil)
		return
	}
	role, err := h.rbac.CreateRole(r.Context(), req.Name, req.Description, req.IsDefault, req.PermissionIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.role.create", "role", role.Name)
	response.JSON(w, r, http.StatusCreated, map[string]any{"role": role})
}

func (h *AdminHandler) UpdateRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(r, "roleID")
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid role id", nil)
		return
	}
	var req setPermissionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role, err := h.rbac.UpdateRolePermissions(r.Context(), roleID, req.PermissionIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"role": role})
}

func (h *AdminHandler) DeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, ok := pathID(r, "roleID")
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid role id", nil)
		return
	}
	if err := h.rbac.DeleteRole(r.Context(), roleID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.role.delete", "role_id", roleID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *AdminHandler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	permissions, err := h.rbac.ListPermissions()
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"permissions": permissions})
}

func (h *AdminHandler) CreatePermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Resource == "" || req.Action == "" {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "resource and action are required", nil)
		return
	}
	permission, err := h.rbac.CreatePermission(req.Resource, req.Action, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, map[string]any{"permission": permission})
}

func (h *AdminHandler) DeletePermission(w http.ResponseWriter, r *http.Request) {
	permID, ok := pathID(r, "permissionID")
	if !ok {
		response.Error(w, r, http.StatusBadRequest, "BAD_REQUEST", "invalid permission id", nil)
		return
	}
	if err := h.rbac.DeletePermission(r.Context(), permID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.Audit(r, "admin.permission.delete", "permission_id", permID)
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "deleted"})
}
