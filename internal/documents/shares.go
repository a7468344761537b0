package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/permissions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ShareRegistry grants, changes and revokes per-user access. Every mutation requires admin on
// the document; mutations on the same document are serialized.
type ShareRegistry struct {
	storage    storage
	access     accessControl
	profiles   ProfileDirectory
	locks      *keyedMutex
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// ShareRegistryConfig configures a ShareRegistry.
type ShareRegistryConfig struct {
	Database   *gorm.DB
	Timeout    time.Duration
	Repository *Repository
	Profiles   ProfileDirectory
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// NewShareRegistry constructs a ShareRegistry.
func NewShareRegistry(cfg ShareRegistryConfig) (*ShareRegistry, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	st := newStorage(cfg.Database, cfg.Timeout)
	repository := cfg.Repository
	if repository == nil {
		repository = &Repository{storage: st}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ShareRegistry{
		storage:    st,
		access:     accessControl{repository: repository, storage: st},
		profiles:   cfg.Profiles,
		locks:      newKeyedMutex(),
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Share grants request.Permission to the user whose username matches request.Target.
func (r *ShareRegistry) Share(ctx context.Context, request ShareRequest) (ShareView, error) {
	documentID, err := normalizeIdentifier(request.DocumentID, "document id")
	if err != nil {
		return ShareView{}, err
	}
	grantorID, err := normalizeIdentifier(request.GrantorID, "grantor id")
	if err != nil {
		return ShareView{}, err
	}
	target := strings.TrimSpace(request.Target)
	if target == "" {
		return ShareView{}, validationError("share target is required")
	}
	level, err := permissions.ParseGrant(request.Permission)
	if err != nil {
		return ShareView{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	document, _, err := r.access.require(ctx, documentID, grantorID, permissions.Admin)
	if err != nil {
		return ShareView{}, err
	}
	profile, err := lookupTarget(ctx, r.profiles, r.storage, target)
	if err != nil {
		return ShareView{}, err
	}
	if profile.UserID == document.AuthorID {
		return ShareView{}, validationError("cannot share a document with its author")
	}

	shareID, err := r.idProvider.NewID()
	if err != nil {
		return ShareView{}, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	share := DocumentShare{
		ShareID:    shareID,
		DocumentID: documentID,
		UserID:     profile.UserID,
		Permission: level.String(),
		SharedBy:   grantorID,
		CreatedAt:  r.clock().UTC().Truncate(time.Microsecond),
	}

	unlock := r.locks.Lock(documentID)
	defer unlock()
	err = r.storage.transaction(ctx, func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&DocumentShare{}).
			Where("document_id = ? AND user_id = ?", documentID, profile.UserID).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: document already shared with %s", ErrConflict, profile.Username)
		}
		return tx.Create(&share).Error
	})
	if errors.Is(err, errDuplicateKey) {
		return ShareView{}, fmt.Errorf("%w: %w", ErrConflict, err)
	}
	if err != nil {
		return ShareView{}, err
	}
	r.logger.Info("document shared",
		zap.String("document_id", documentID),
		zap.String("user_id", profile.UserID),
		zap.String("permission", share.Permission))
	return ShareView{Share: share, Profile: profile}, nil
}

// UpdatePermission replaces the level stored on shareID.
func (r *ShareRegistry) UpdatePermission(ctx context.Context, shareID, permission, actorID string) (ShareView, error) {
	shareID, err := normalizeIdentifier(shareID, "share id")
	if err != nil {
		return ShareView{}, err
	}
	actorID, err = normalizeIdentifier(actorID, "actor id")
	if err != nil {
		return ShareView{}, err
	}
	level, err := permissions.ParseGrant(permission)
	if err != nil {
		return ShareView{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	share, err := r.get(ctx, shareID)
	if err != nil {
		return ShareView{}, err
	}
	if _, _, err := r.access.require(ctx, share.DocumentID, actorID, permissions.Admin); err != nil {
		return ShareView{}, err
	}

	unlock := r.locks.Lock(share.DocumentID)
	defer unlock()
	var updated DocumentShare
	err = r.storage.transaction(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&DocumentShare{}).Where("share_id = ?", shareID).Update("permission", level.String())
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("share_id = ?", shareID).Take(&updated).Error
	})
	if err != nil {
		return ShareView{}, err
	}
	profiles, err := enrichProfiles(ctx, r.profiles, r.storage, []string{updated.UserID})
	if err != nil {
		return ShareView{}, err
	}
	return ShareView{Share: updated, Profile: profiles[updated.UserID]}, nil
}

// Revoke deletes shareID and returns the removed row.
func (r *ShareRegistry) Revoke(ctx context.Context, shareID, actorID string) (DocumentShare, error) {
	shareID, err := normalizeIdentifier(shareID, "share id")
	if err != nil {
		return DocumentShare{}, err
	}
	actorID, err = normalizeIdentifier(actorID, "actor id")
	if err != nil {
		return DocumentShare{}, err
	}
	share, err := r.get(ctx, shareID)
	if err != nil {
		return DocumentShare{}, err
	}
	if _, _, err := r.access.require(ctx, share.DocumentID, actorID, permissions.Admin); err != nil {
		return DocumentShare{}, err
	}

	unlock := r.locks.Lock(share.DocumentID)
	defer unlock()
	err = r.storage.write(ctx, func(db *gorm.DB) error {
		result := db.Where("share_id = ?", shareID).Delete(&DocumentShare{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return DocumentShare{}, err
	}
	return share, nil
}

// List returns the shares of documentID in creation order. Requires read.
func (r *ShareRegistry) List(ctx context.Context, documentID, actorID string) ([]ShareView, error) {
	documentID, err := normalizeIdentifier(documentID, "document id")
	if err != nil {
		return nil, err
	}
	if _, _, err := r.access.require(ctx, documentID, strings.TrimSpace(actorID), permissions.Read); err != nil {
		return nil, err
	}
	var shares []DocumentShare
	err = r.storage.read(ctx, func(db *gorm.DB) error {
		return db.Where("document_id = ?", documentID).
			Order("created_at ASC").
			Order("share_id ASC").
			Find(&shares).Error
	})
	if err != nil {
		return nil, err
	}
	userIDs := make([]string, 0, len(shares))
	for _, share := range shares {
		userIDs = append(userIDs, share.UserID)
	}
	profiles, err := enrichProfiles(ctx, r.profiles, r.storage, userIDs)
	if err != nil {
		return nil, err
	}
	views := make([]ShareView, 0, len(shares))
	for _, share := range shares {
		views = append(views, ShareView{Share: share, Profile: profiles[share.UserID]})
	}
	return views, nil
}

func (r *ShareRegistry) get(ctx context.Context, shareID string) (DocumentShare, error) {
	var share DocumentShare
	err := r.storage.read(ctx, func(db *gorm.DB) error {
		return db.Where("share_id = ?", shareID).Take(&share).Error
	})
	return share, err
}
