package cli

import (
	"fmt"
	"time"

	"fleet-track/internal/domain/user"
	"fleet-track/internal/general/jwt"
)

// GenerateSessionToken mints a session JWT carrying the tenant claim.
//
// Typical use (dev-only):
//
//	token, _, err := cli.GenerateSessionToken(secret, 2*time.Hour,
//	    "550e8400-e29b-41d4-a716-446655440001", "acme", "DRIVER")
//
// Keep this package dev/internal only. Do not call it from production code paths.
func GenerateSessionToken(secret string, ttl time.Duration, userID, tenantID, roleStr string) (string, jwt.Claims, error) {
	role, err := user.ParseRole(roleStr)
	if err != nil {
		return "", jwt.Claims{}, fmt.Errorf("invalid role %q: %w", roleStr, err)
	}
	if tenantID == "" {
		return "", jwt.Claims{}, jwt.ErrNoTenant
	}

	mgr, err := jwt.NewManager(secret, ttl)
	if err != nil {
		return "", jwt.Claims{}, err
	}

	token, claims, err := mgr.IssueSessionToken(userID, tenantID, role)
	if err != nil {
		return "", jwt.Claims{}, fmt.Errorf("issue token: %w", err)
	}

	return token, *claims, nil
}
