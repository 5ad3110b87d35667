package auth

import (
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims is the payload of an editor session token.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the session carries role.
func (c SessionClaims) HasRole(role string) bool {
	return slices.Contains(c.UserRoles, role)
}

// Principal returns the user id, falling back to the registered subject.
func (c SessionClaims) Principal() string {
	if userID := strings.TrimSpace(c.UserID); userID != "" {
		return userID
	}
	return strings.TrimSpace(c.Subject)
}
