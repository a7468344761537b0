package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrProfileNotFound indicates no profile matched a lookup.
	ErrProfileNotFound = errors.New("users: profile not found")
	// ErrProfileAmbiguous indicates more than one profile matched a username lookup.
	ErrProfileAmbiguous = errors.New("users: username matches several profiles")
)

// ServiceConfig describes the dependencies required for profile resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service provisions and looks up user profiles.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// EnsureProfile returns the canonical user id for the session claims, creating a profile
// seeded from the claims when the user has not been seen before. Existing profiles are
// left untouched; profile editing belongs to the identity collaborator.
func (s *Service) EnsureProfile(ctx context.Context, claims auth.SessionClaims) (string, error) {
	userID := canonicalUserID(claims)
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	if _, ok := s.cache.Load(userID); ok {
		return userID, nil
	}

	var existing []Profile
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&existing).Error; err != nil {
		return "", err
	}
	if len(existing) == 0 {
		now := s.now().UTC()
		profile := Profile{
			UserID:    userID,
			FullName:  deriveFullName(claims),
			Username:  deriveUsername(claims, userID),
			AvatarURL: normalize(claims.UserAvatarURL),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return "", err
		}
	}

	s.cache.Store(userID, struct{}{})
	return userID, nil
}

// FindByUsername resolves a share target. Matching is case-insensitive; a leading "@" is
// ignored.
func (s *Service) FindByUsername(ctx context.Context, identifier string) (Profile, error) {
	username := strings.TrimPrefix(normalize(identifier), "@")
	if username == "" {
		return Profile{}, ErrProfileNotFound
	}
	var matches []Profile
	err := s.db.WithContext(ctx).
		Where("LOWER(username) = ?", strings.ToLower(username)).
		Order("created_at ASC").
		Limit(2).
		Find(&matches).Error
	if err != nil {
		return Profile{}, err
	}
	switch len(matches) {
	case 0:
		return Profile{}, ErrProfileNotFound
	case 1:
		return matches[0], nil
	default:
		return Profile{}, fmt.Errorf("%w: %q", ErrProfileAmbiguous, username)
	}
}

// ProfilesByID returns the profiles for the given users keyed by user id. Users without a
// profile are absent from the map.
func (s *Service) ProfilesByID(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	result := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	var profiles []Profile
	if err := s.db.WithContext(ctx).Where("user_id IN ?", dedupe(userIDs)).Find(&profiles).Error; err != nil {
		return nil, err
	}
	for _, profile := range profiles {
		result[profile.UserID] = profile
	}
	return result, nil
}

func canonicalUserID(claims auth.SessionClaims) string {
	raw := normalize(claims.UserID)
	if raw == "" {
		raw = normalize(claims.Subject)
	}
	if strings.Contains(raw, ":") {
		segments := strings.SplitN(raw, ":", 2)
		if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
			raw = normalize(segments[1])
		}
	}
	return raw
}

func deriveUsername(claims auth.SessionClaims, userID string) string {
	if username := normalize(claims.Username); username != "" {
		return username
	}
	if email := normalize(claims.UserEmail); email != "" {
		if local, _, found := strings.Cut(email, "@"); found && local != "" {
			return local
		}
		return email
	}
	return userID
}

func deriveFullName(claims auth.SessionClaims) string {
	if name := normalize(claims.UserDisplayName); name != "" {
		return name
	}
	if email := normalize(claims.UserEmail); email != "" {
		return email
	}
	return "User"
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	return unique
}
