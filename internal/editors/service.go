package editors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("editors: invalid identity")

// ServiceConfig describes the dependencies required for editor identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to canonical editor ids.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	known  sync.Map // loginKey -> profile
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("editors: database connection required")
	}
	service := &Service{db: cfg.Database, now: cfg.Clock, logger: cfg.Logger}
	if service.now == nil {
		service.now = time.Now
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	return service, nil
}

// ResolveEditorID returns the canonical editor id for the session claims. The first sighting
// of a login records it with the subject as editor id; a sighting carrying a new email or
// display name writes the profile through before answering from memory again.
func (s *Service) ResolveEditorID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	key, ok := parseLogin(claims)
	if !ok {
		return "", ErrInvalidIdentity
	}
	seen := profileFromClaims(claims)

	if cached, found := s.known.Load(key); found {
		known := cached.(profile)
		if !known.changedBy(seen) {
			return known.editorID, nil
		}
	}

	stored, err := s.record(ctx, key, seen)
	if err != nil {
		return "", err
	}
	s.known.Store(key, stored)
	return stored.editorID, nil
}

// record upserts the identity row and reads back the canonical editor id, which an existing
// row keeps.
func (s *Service) record(ctx context.Context, key loginKey, seen profile) (profile, error) {
	now := s.now()
	assignments := map[string]interface{}{
		"last_seen_at": now,
		"updated_at":   now,
	}
	if seen.email != "" {
		assignments["editor_email"] = seen.email
	}
	if seen.displayName != "" {
		assignments["editor_display_name"] = seen.displayName
	}

	db := s.db.WithContext(ctx)
	row := Identity{
		Provider:    key.provider,
		Subject:     key.subject,
		EditorID:    key.subject,
		Email:       seen.email,
		DisplayName: seen.displayName,
		LastSeenAt:  now,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "subject"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&row).Error
	if err != nil {
		return profile{}, fmt.Errorf("editors: record %s: %w", key, err)
	}

	var stored Identity
	if err := db.Where("provider = ? AND subject = ?", key.provider, key.subject).Take(&stored).Error; err != nil {
		return profile{}, fmt.Errorf("editors: reload %s: %w", key, err)
	}
	s.logger.Debug("editor identity recorded",
		zap.String("login", key.String()),
		zap.String("editor_id", stored.EditorID))
	return profile{editorID: stored.EditorID, email: stored.Email, displayName: stored.DisplayName}.merge(seen), nil
}
