package editors

import (
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/auth"
)

const defaultProvider = "default"

// Identity maps a provider-specific login to the canonical editor id used as lock owner and
// clipboard key.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	EditorID    string    `gorm:"column:editor_id;size:190;not null;index"`
	Email       string    `gorm:"column:editor_email;size:320"`
	DisplayName string    `gorm:"column:editor_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing editor identities.
func (Identity) TableName() string {
	return "editor_identities"
}

// loginKey is the provider+subject pair an identity row is keyed by.
type loginKey struct {
	provider string
	subject  string
}

func (k loginKey) String() string {
	return k.provider + ":" + k.subject
}

// parseLogin reads the login from session claims. A "provider:subject" user id names both
// parts; a bare id, the token subject or the email fall under the default provider.
func parseLogin(claims auth.SessionClaims) (loginKey, bool) {
	key := loginKey{provider: defaultProvider, subject: strings.TrimSpace(claims.Subject)}
	if userID := strings.TrimSpace(claims.UserID); userID != "" {
		prefix, rest, qualified := strings.Cut(userID, ":")
		prefix, rest = strings.TrimSpace(prefix), strings.TrimSpace(rest)
		switch {
		case qualified && prefix != "" && rest != "":
			key = loginKey{provider: prefix, subject: rest}
		case key.subject == "":
			key.subject = userID
		}
	}
	if key.subject == "" {
		key.subject = strings.TrimSpace(claims.UserEmail)
	}
	return key, key.subject != ""
}

// profile is the cached view of an identity row.
type profile struct {
	editorID    string
	email       string
	displayName string
}

func profileFromClaims(claims auth.SessionClaims) profile {
	return profile{
		email:       strings.TrimSpace(claims.UserEmail),
		displayName: strings.TrimSpace(claims.UserDisplayName),
	}
}

// changedBy reports whether the claims carry a non-empty profile field the cache does not hold.
func (p profile) changedBy(seen profile) bool {
	return (seen.email != "" && seen.email != p.email) ||
		(seen.displayName != "" && seen.displayName != p.displayName)
}

// merge keeps known fields the claims left empty.
func (p profile) merge(seen profile) profile {
	if seen.email != "" {
		p.email = seen.email
	}
	if seen.displayName != "" {
		p.displayName = seen.displayName
	}
	return p
}
