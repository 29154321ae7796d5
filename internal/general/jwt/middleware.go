package jwt

import (
	"encoding/json"
	"net/http"

	"fleet-track/internal/domain/user"
	"fleet-track/internal/general/contracts"
)

// AuthMiddlewareFunc guards tenant-scoped routes: a valid bearer token from
// tenantID (any tenant when empty) with one of the allowed roles.
// Failures are answered with the API envelope.
func AuthMiddlewareFunc(mgr *Manager, tenantID string, allowedRoles ...user.Role) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			raw, err := FromAuthorization(r)
			if err != nil {
				deny(w, http.StatusUnauthorized, err)
				return
			}
			_, claims, err := mgr.ParseAndValidate(raw)
			if err != nil {
				deny(w, http.StatusUnauthorized, err)
				return
			}

			// fleet data never crosses tenants
			switch {
			case claims.TenantID == "":
				deny(w, http.StatusForbidden, ErrNoTenant)
				return
			case tenantID != "" && claims.TenantID != tenantID:
				deny(w, http.StatusForbidden, ErrTenantMismatch)
				return
			}
			if err := RoleAllowed(claims, allowedRoles...); err != nil {
				deny(w, http.StatusForbidden, err)
				return
			}

			next(w, r.WithContext(InjectClaims(r.Context(), claims)))
		}
	}
}

// RequireClaims extracts JWT claims from the request context.
func RequireClaims(r *http.Request) *Claims {
	c, _ := FromContext(r.Context())
	return c
}

func deny(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(contracts.Envelope{Success: false, Message: err.Error()})
}
