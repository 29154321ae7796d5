package jwt

import (
	"time"

	"fleet-track/internal/domain/user"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Claims defines our canonical session claims payload.
type Claims struct {
	TenantID string    `json:"tenantId"` // broadcast group scope
	Role     user.Role `json:"role"`     // ADMIN/DISPATCHER/DRIVER
	jwtlib.RegisteredClaims
}

// ensure Claims implements jwtlib.Claims interface
var _ jwtlib.Claims = (*Claims)(nil)

// NewSessionClaims constructs claims for one logged-in session.
func NewSessionClaims(userID, tenantID string, role user.Role, ttl time.Duration) *Claims {
	now := time.Now().UTC()
	return &Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}
}
