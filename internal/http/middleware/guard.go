package middleware

import (
	"net/http"
	"strconv"

	"github.com/identitykit/identity-service/internal/domain"
	"github.com/identitykit/identity-service/internal/http/response"
	"github.com/identitykit/identity-service/internal/service"
)

// Requirement is one row of the route policy table. Public short
// circuits everything; otherwise the caller must authenticate and hold
// every listed role and permission.
type Requirement struct {
	Public      bool
	Roles       []string
	Permissions []string
}

// RoleLister is the slice of RBACService the guard needs for role
// checks.
type RoleLister interface {
	UserRoles(userID uint) ([]domain.Role, error)
}

// Guard enforces a Requirement: public bypass, then authentication,
// then authorization, in that order. Authorization failures come back
// 403 while authentication failures stay 401.
func Guard(resolver service.PermissionResolver, roles RoleLister, req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if req.Public {
				next.ServeHTTP(w, r)
				return
			}
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context", nil)
				return
			}

			if len(req.Roles) > 0 {
				userID, err := strconv.ParseUint(claims.Subject, 10, 64)
				if err != nil {
					response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid auth context", nil)
					return
				}
				held, err := roles.UserRoles(uint(userID))
				if err != nil {
					response.Error(w, r, http.StatusServiceUnavailable, "RBAC_UNAVAILABLE", "role resolution unavailable", nil)
					return
				}
				if missing := missingRoles(req.Roles, held); missing != "" {
					response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient role", map[string]string{"required": missing})
					return
				}
			}

			if len(req.Permissions) > 0 {
				perms, err := resolver.ResolvePermissions(r.Context(), claims)
				if err != nil {
					response.Error(w, r, http.StatusServiceUnavailable, "RBAC_UNAVAILABLE", "permission resolution unavailable", nil)
					return
				}
				for _, required := range req.Permissions {
					if !hasPermission(perms, required) {
						response.Error(w, r, http.StatusForbidden, "FORBIDDEN", "insufficient permission", map[string]string{"required": required})
						return
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func missingRoles(required []string, held []domain.Role) string {
	byName := make(map[string]struct{}, len(held))
	for _, role := range held {
		byName[role.Name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := byName[name]; !ok {
			return name
		}
	}
	return ""
}

// hasPermission matches exact "resource:action" grants plus the
// "resource:*" wildcard.
func hasPermission(held []string, required string) bool {
	var wildcard string
	for i := len(required) - 1; i >= 0; i-- {
		if required[i] == ':' {
			wildcard = required[:i+1] + "*"
			break
		}
	}
	for _, p := range held {
		if p == required {
			return true
		}
		if wildcard != "" && p == wildcard {
			return true
		}
	}
	return false
}
