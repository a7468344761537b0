package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/inkwell/internal/permissions"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"gorm.io/gorm"
)

// ProfileDirectory resolves user profiles for share targets and display enrichment.
type ProfileDirectory interface {
	FindByUsername(ctx context.Context, identifier string) (users.Profile, error)
	ProfilesByID(ctx context.Context, userIDs []string) (map[string]users.Profile, error)
}

type accessControl struct {
	repository *Repository
	storage    storage
}

// resolve loads documentID and derives userID's level on it. An empty userID is anonymous.
func (a accessControl) resolve(ctx context.Context, documentID, userID string) (Document, permissions.Level, error) {
	document, err := a.repository.Get(ctx, documentID)
	if err != nil {
		return Document{}, permissions.None, err
	}
	var grants []permissions.Grant
	if userID != "" && userID != document.AuthorID {
		var shares []DocumentShare
		err := a.storage.read(ctx, func(db *gorm.DB) error {
			return db.Where("document_id = ? AND user_id = ?", documentID, userID).Limit(1).Find(&shares).Error
		})
		if err != nil {
			return Document{}, permissions.None, err
		}
		for _, share := range shares {
			grants = append(grants, share.grant())
		}
	}
	return document, permissions.Resolve(userID, document.permissionFacts(), grants), nil
}

func (a accessControl) require(ctx context.Context, documentID, userID string, minimum permissions.Level) (Document, permissions.Level, error) {
	document, level, err := a.resolve(ctx, documentID, userID)
	if err != nil {
		return Document{}, permissions.None, err
	}
	if !level.AtLeast(minimum) {
		return Document{}, level, fmt.Errorf("%w: requires %s, has %s", ErrAccessDenied, minimum, level)
	}
	return document, level, nil
}

// enrichProfiles fetches profiles for userIDs, substituting placeholders for unknown users.
func enrichProfiles(ctx context.Context, directory ProfileDirectory, st storage, userIDs []string) (map[string]users.Profile, error) {
	callCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	found, err := directory.ProfilesByID(callCtx, userIDs)
	if err != nil {
		return nil, classifyStorageError(callCtx, err)
	}
	if found == nil {
		found = make(map[string]users.Profile, len(userIDs))
	}
	for _, userID := range userIDs {
		if _, ok := found[userID]; !ok {
			found[userID] = users.UnknownProfile(userID)
		}
	}
	return found, nil
}

func lookupTarget(ctx context.Context, directory ProfileDirectory, st storage, target string) (users.Profile, error) {
	callCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	profile, err := directory.FindByUsername(callCtx, target)
	if errors.Is(err, users.ErrProfileNotFound) {
		return users.Profile{}, fmt.Errorf("%w: user %q", ErrNotFound, target)
	}
	if errors.Is(err, users.ErrProfileAmbiguous) {
		return users.Profile{}, fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if err != nil {
		return users.Profile{}, classifyStorageError(callCtx, err)
	}
	return profile, nil
}
