package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// VersionStore appends and lists document snapshots. Appends for the same document are
// serialized in-process; the unique (document_id, version_number) index catches writers in
// other processes and the resulting collision is retried.
type VersionStore struct {
	storage     storage
	locks       *keyedMutex
	clock       func() time.Time
	idProvider  IDProvider
	raceRetries uint64
	logger      *zap.Logger
}

// VersionStoreConfig configures a VersionStore.
type VersionStoreConfig struct {
	Database   *gorm.DB
	Timeout    time.Duration
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// NewVersionStore constructs a VersionStore.
func NewVersionStore(cfg VersionStoreConfig) (*VersionStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &VersionStore{
		storage:     newStorage(cfg.Database, cfg.Timeout),
		locks:       newKeyedMutex(),
		clock:       clock,
		idProvider:  cfg.IDProvider,
		raceRetries: defaultRaceRetries,
		logger:      logger,
	}, nil
}

// AppendRequest is a snapshot to record. EditID makes the append idempotent: replaying the
// same edit returns the version already recorded for it.
type AppendRequest struct {
	DocumentID string
	EditID     string
	Title      string
	Content    json.RawMessage
	AuthorID   string
}

func (request AppendRequest) validate() error {
	if request.DocumentID == "" {
		return validationError("document id is required")
	}
	if request.EditID == "" {
		return validationError("edit id is required")
	}
	if request.AuthorID == "" {
		return validationError("author id is required")
	}
	return nil
}

// Append records a new version numbered one past the current maximum.
func (s *VersionStore) Append(ctx context.Context, request AppendRequest) (DocumentVersion, error) {
	if err := request.validate(); err != nil {
		return DocumentVersion{}, err
	}
	var version DocumentVersion
	err := s.withDocumentLock(ctx, request.DocumentID, func(tx *gorm.DB) error {
		appended, err := s.appendTx(tx, request)
		version = appended
		return err
	})
	return version, err
}

// List returns every version of documentID, newest first.
func (s *VersionStore) List(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	var versions []DocumentVersion
	err := s.storage.read(ctx, func(db *gorm.DB) error {
		return db.Where("document_id = ?", documentID).
			Order("version_number DESC").
			Find(&versions).Error
	})
	return versions, err
}

// HasEdit reports whether a version produced by editID exists.
func (s *VersionStore) HasEdit(ctx context.Context, documentID, editID string) (bool, error) {
	var count int64
	err := s.storage.read(ctx, func(db *gorm.DB) error {
		return db.Model(&DocumentVersion{}).
			Where("document_id = ? AND edit_id = ?", documentID, editID).
			Count(&count).Error
	})
	return count > 0, err
}

// create inserts document and records its initial content as version 1.
func (s *VersionStore) create(ctx context.Context, document Document, editID string) (DocumentVersion, error) {
	var version DocumentVersion
	err := s.withDocumentLock(ctx, document.DocumentID, func(tx *gorm.DB) error {
		if err := tx.Create(&document).Error; err != nil {
			return err
		}
		appended, err := s.appendTx(tx, AppendRequest{
			DocumentID: document.DocumentID,
			EditID:     editID,
			Title:      document.Title,
			Content:    document.Content(),
			AuthorID:   document.AuthorID,
		})
		version = appended
		return err
	})
	return version, err
}

// commit updates the document content and appends the matching version in one transaction.
func (s *VersionStore) commit(ctx context.Context, update contentUpdate, request AppendRequest) (Document, DocumentVersion, error) {
	var (
		document Document
		version  DocumentVersion
	)
	err := s.withDocumentLock(ctx, request.DocumentID, func(tx *gorm.DB) error {
		updated, err := updateContentTx(tx, update)
		if err != nil {
			return err
		}
		appended, err := s.appendTx(tx, request)
		if err != nil {
			return err
		}
		document, version = updated, appended
		return nil
	})
	return document, version, err
}

type queuedCommit struct {
	Document Document
	Version  DocumentVersion
	// AppendErr is set when the content landed but its version did not.
	AppendErr error
}

// commitQueued writes the content and appends its version in two transactions. The document
// lock is held across both, so the head version always matches the content it follows. The
// returned error reports the content write only.
func (s *VersionStore) commitQueued(ctx context.Context, update contentUpdate, request AppendRequest) (queuedCommit, error) {
	if err := request.validate(); err != nil {
		return queuedCommit{}, err
	}
	unlock := s.locks.Lock(request.DocumentID)
	defer unlock()

	var result queuedCommit
	err := s.storage.transaction(ctx, func(tx *gorm.DB) error {
		updated, err := updateContentTx(tx, update)
		result.Document = updated
		return err
	})
	if err != nil {
		return queuedCommit{}, err
	}
	result.AppendErr = s.transactLocked(ctx, request.DocumentID, func(tx *gorm.DB) error {
		appended, err := s.appendTx(tx, request)
		result.Version = appended
		return err
	})
	return result, nil
}

// restore copies version versionNumber onto the document and records the result as a new
// version, atomically.
func (s *VersionStore) restore(ctx context.Context, documentID string, versionNumber int64, actorID, editID string) (Document, DocumentVersion, error) {
	var (
		document Document
		version  DocumentVersion
	)
	err := s.withDocumentLock(ctx, documentID, func(tx *gorm.DB) error {
		var target DocumentVersion
		if err := tx.Where("document_id = ? AND version_number = ?", documentID, versionNumber).
			Take(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: version %d of document %s", ErrNotFound, versionNumber, documentID)
			}
			return err
		}
		updated, err := updateContentTx(tx, contentUpdate{
			DocumentID: documentID,
			Title:      target.Title,
			Content:    target.ContentJSON,
			EditorID:   actorID,
			UpdatedAt:  s.now(),
		})
		if err != nil {
			return err
		}
		appended, err := s.appendTx(tx, AppendRequest{
			DocumentID: documentID,
			EditID:     editID,
			Title:      target.Title,
			Content:    json.RawMessage(target.ContentJSON),
			AuthorID:   actorID,
		})
		if err != nil {
			return err
		}
		document, version = updated, appended
		return nil
	})
	return document, version, err
}

// withDocumentLock takes the per-document lock before opening the transaction and retries
// the whole transaction on version number collisions.
func (s *VersionStore) withDocumentLock(ctx context.Context, documentID string, fn func(tx *gorm.DB) error) error {
	unlock := s.locks.Lock(documentID)
	defer unlock()
	return s.transactLocked(ctx, documentID, fn)
}

// transactLocked runs fn in a transaction retried on version races. Callers hold the lock.
func (s *VersionStore) transactLocked(ctx context.Context, documentID string, fn func(tx *gorm.DB) error) error {
	backoff := retry.WithMaxRetries(s.raceRetries, retry.NewExponential(defaultRaceBackoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.storage.transaction(ctx, fn)
		if errors.Is(err, ErrVersionRace) {
			s.logger.Debug("version number collision", zap.String("document_id", documentID), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, ErrVersionRace) {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return classifyStorageError(ctx, err)
}

func (s *VersionStore) appendTx(tx *gorm.DB, request AppendRequest) (DocumentVersion, error) {
	var existing []DocumentVersion
	if err := tx.Where("document_id = ? AND edit_id = ?", request.DocumentID, request.EditID).
		Limit(1).
		Find(&existing).Error; err != nil {
		return DocumentVersion{}, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}

	var latest int64
	if err := tx.Model(&DocumentVersion{}).
		Where("document_id = ?", request.DocumentID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&latest).Error; err != nil {
		return DocumentVersion{}, err
	}

	versionID, err := s.idProvider.NewID()
	if err != nil {
		return DocumentVersion{}, err
	}
	version := DocumentVersion{
		VersionID:     versionID,
		DocumentID:    request.DocumentID,
		VersionNumber: latest + 1,
		EditID:        request.EditID,
		Title:         request.Title,
		ContentJSON:   string(request.Content),
		CreatedBy:     request.AuthorID,
		CreatedAt:     s.now(),
	}
	if err := tx.Create(&version).Error; err != nil {
		if isUniqueViolation(err) {
			return DocumentVersion{}, fmt.Errorf("%w: %w", ErrVersionRace, err)
		}
		return DocumentVersion{}, err
	}
	return version, nil
}

func (s *VersionStore) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}
