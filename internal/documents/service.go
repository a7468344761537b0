package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/inkwell/internal/content"
	"github.com/MarcoPoloResearchLab/inkwell/internal/permissions"
	"github.com/MarcoPoloResearchLab/inkwell/internal/retryqueue"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew            = "documents.service.new"
	opLoadDocument          = "documents.load_document"
	opCreateDocument        = "documents.create_document"
	opSaveDocument          = "documents.save_document"
	opToggleVisibility      = "documents.toggle_visibility"
	opListVersions          = "documents.list_versions"
	opRestoreVersion        = "documents.restore_version"
	opShareDocument         = "documents.share_document"
	opUpdateSharePermission = "documents.update_share_permission"
	opRevokeShare           = "documents.revoke_share"
	opListShares            = "documents.list_shares"
	opResolvePermission     = "documents.resolve_permission"
	opListDocuments         = "documents.list_documents"
	opArchiveDocument       = "documents.archive_document"
	opDeleteDocument        = "documents.delete_document"
)

// CommitMode selects how a save couples the content update with its version append.
type CommitMode string

const (
	// CommitModeTransactional writes the content and the version in one transaction.
	CommitModeTransactional CommitMode = "transactional"
	// CommitModeQueued writes the content first and defers a failed version append to the
	// pending queue.
	CommitModeQueued CommitMode = "queued"
)

// ParseCommitMode parses a commit mode name. Empty selects transactional.
func ParseCommitMode(raw string) (CommitMode, error) {
	switch CommitMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CommitModeTransactional:
		return CommitModeTransactional, nil
	case CommitModeQueued:
		return CommitModeQueued, nil
	default:
		return "", fmt.Errorf("unknown commit mode %q", raw)
	}
}

type ServiceConfig struct {
	Database       *gorm.DB
	Clock          func() time.Time
	IDProvider     IDProvider
	Logger         *zap.Logger
	Profiles       ProfileDirectory
	StorageTimeout time.Duration
	CommitMode     CommitMode
	PendingQueue   retryqueue.Queue
	Publisher      EventPublisher
	// PendingMaxAttempts bounds replays of one pending version job.
	PendingMaxAttempts int
}

type IDProvider interface {
	NewID() (string, error)
}

// Service guards every document operation with the caller's resolved permission and
// coordinates the repository, version store and share registry.
type Service struct {
	storage            storage
	repository         *Repository
	versions           *VersionStore
	shares             *ShareRegistry
	access             accessControl
	profiles           ProfileDirectory
	queue              retryqueue.Queue
	commitMode         CommitMode
	publisher          EventPublisher
	clock              func() time.Time
	idProvider         IDProvider
	logger             *zap.Logger
	pendingMaxAttempts int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Profiles == nil {
		return nil, newServiceError(opServiceNew, "missing_profiles", errMissingProfiles)
	}
	commitMode := cfg.CommitMode
	if commitMode == "" {
		commitMode = CommitModeTransactional
	}
	if commitMode != CommitModeTransactional && commitMode != CommitModeQueued {
		return nil, newServiceError(opServiceNew, "invalid_commit_mode", fmt.Errorf("unknown commit mode %q", commitMode))
	}
	if commitMode == CommitModeQueued && cfg.PendingQueue == nil {
		return nil, newServiceError(opServiceNew, "missing_pending_queue", errMissingQueue)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = discardPublisher{}
	}
	maxAttempts := cfg.PendingMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultPendingMaxAttempts
	}

	st := newStorage(cfg.Database, cfg.StorageTimeout)
	repository := &Repository{storage: st}
	versions, err := NewVersionStore(VersionStoreConfig{
		Database:   cfg.Database,
		Timeout:    st.timeout,
		Clock:      clock,
		IDProvider: cfg.IDProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "version_store_failed", err)
	}
	shares, err := NewShareRegistry(ShareRegistryConfig{
		Database:   cfg.Database,
		Timeout:    st.timeout,
		Repository: repository,
		Profiles:   cfg.Profiles,
		Clock:      clock,
		IDProvider: cfg.IDProvider,
		Logger:     logger,
	})
	if err != nil {
		return nil, newServiceError(opServiceNew, "share_registry_failed", err)
	}

	return &Service{
		storage:            st,
		repository:         repository,
		versions:           versions,
		shares:             shares,
		access:             accessControl{repository: repository, storage: st},
		profiles:           cfg.Profiles,
		queue:              cfg.PendingQueue,
		commitMode:         commitMode,
		publisher:          publisher,
		clock:              clock,
		idProvider:         cfg.IDProvider,
		logger:             logger,
		pendingMaxAttempts: maxAttempts,
	}, nil
}

// CommitMode reports the configured commit mode.
func (s *Service) CommitMode() CommitMode {
	return s.commitMode
}

// LoadDocument returns the document with its author profile. Requires read.
func (s *Service) LoadDocument(ctx context.Context, documentID, userID string) (DocumentView, error) {
	documentID, err := normalizeIdentifier(documentID, "document id")
	if err != nil {
		return DocumentView{}, s.fail(opLoadDocument, err)
	}
	document, level, err := s.access.require(ctx, documentID, strings.TrimSpace(userID), permissions.Read)
	if err != nil {
		return DocumentView{}, s.fail(opLoadDocument, err, zap.String("document_id", documentID), zap.String("user_id", userID))
	}
	profiles, err := enrichProfiles(ctx, s.profiles, s.storage, []string{document.AuthorID})
	if err != nil {
		return DocumentView{}, s.fail(opLoadDocument, err, zap.String("document_id", documentID))
	}
	return DocumentView{Document: document, Author: profiles[document.AuthorID], Permission: level}, nil
}

// CreateDocument inserts a document authored by request.AuthorID and records its initial
// content as version 1 in the same transaction, so the first save produces version 2 and
// restoring version 1 returns the document to its created state.
func (s *Service) CreateDocument(ctx context.Context, request CreateRequest) (DocumentView, error) {
	authorID, err := normalizeIdentifier(request.AuthorID, "author id")
	if err != nil {
		return DocumentView{}, s.fail(opCreateDocument, err)
	}
	title, err := normalizeTitle(request.Title)
	if err != nil {
		return DocumentView{}, s.fail(opCreateDocument, err, zap.String("user_id", authorID))
	}
	tree := content.Empty()
	if len(request.Content) > 0 {
		tree, err = content.Normalize(request.Content)
		if err != nil {
			return DocumentView{}, s.fail(opCreateDocument, fmt.Errorf("%w: %w", ErrValidation, err), zap.String("user_id", authorID))
		}
	}
	documentID, err := s.idProvider.NewID()
	if err != nil {
		return DocumentView{}, s.fail(opCreateDocument, fmt.Errorf("%w: %w", ErrStorage, err))
	}
	editID, err := s.idProvider.NewID()
	if err != nil {
		return DocumentView{}, s.fail(opCreateDocument, fmt.Errorf("%w: %w", ErrStorage, err))
	}
	now := s.now()
	document := Document{
		DocumentID:  documentID,
		Title:       title,
		ContentJSON: string(tree),
		AuthorID:    authorID,
		IsPublic:    request.IsPublic,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.versions.create(ctx, document, editID); err != nil {
		return DocumentView{}, s.fail(opCreateDocument, err, zap.String("user_id", authorID))
	}
	profiles, err := enrichProfiles(ctx, s.profiles, s.storage, []string{authorID})
	if err != nil {
		return DocumentView{}, s.fail(opCreateDocument, err, zap.String("document_id", documentID))
	}
	return DocumentView{Document: document, Author: profiles[authorID], Permission: permissions.Admin}, nil
}

// SaveDocument commits request as the document's new content and records a version. Requires
// write; an unauthorized caller causes no storage write.
//
// In queued mode a failed version append still leaves the content committed: the returned
// result carries the updated document with VersionPending set, alongside a storage error.
func (s *Service) SaveDocument(ctx context.Context, request SaveRequest) (SaveResult, error) {
	documentID, err := normalizeIdentifier(request.DocumentID, "document id")
	if err != nil {
		return SaveResult{}, s.fail(opSaveDocument, err)
	}
	userID, err := normalizeIdentifier(request.UserID, "user id")
	if err != nil {
		return SaveResult{}, s.fail(opSaveDocument, err)
	}
	fields := []zap.Field{zap.String("document_id", documentID), zap.String("user_id", userID)}
	title, err := normalizeTitle(request.Title)
	if err != nil {
		return SaveResult{}, s.fail(opSaveDocument, err, fields...)
	}
	tree, err := content.Normalize(request.Content)
	if err != nil {
		return SaveResult{}, s.fail(opSaveDocument, fmt.Errorf("%w: %w", ErrValidation, err), fields...)
	}

	current, _, err := s.access.require(ctx, documentID, userID, permissions.Write)
	if err != nil {
		return SaveResult{}, s.fail(opSaveDocument, err, fields...)
	}
	changedElsewhere := request.ExpectedUpdatedAt != nil && !request.ExpectedUpdatedAt.Equal(current.UpdatedAt)

	editID, err := s.idProvider.NewID()
	if err != nil {
		return SaveResult{}, s.fail(opSaveDocument, fmt.Errorf("%w: %w", ErrStorage, err), fields...)
	}
	update := contentUpdate{
		DocumentID: documentID,
		Title:      title,
		Content:    string(tree),
		EditorID:   userID,
		Summary:    request.Summary,
		UpdatedAt:  s.now(),
	}
	appendRequest := AppendRequest{
		DocumentID: documentID,
		EditID:     editID,
		Title:      title,
		Content:    tree,
		AuthorID:   userID,
	}

	if s.commitMode == CommitModeQueued {
		return s.saveQueued(ctx, update, appendRequest, changedElsewhere, fields)
	}

	document, version, err := s.versions.commit(ctx, update, appendRequest)
	if err != nil {
		return SaveResult{}, s.fail(opSaveDocument, err, fields...)
	}
	s.publish(EventDocumentSaved, documentID, userID, version.VersionNumber)
	return SaveResult{Document: document, Version: &version, ChangedElsewhere: changedElsewhere}, nil
}

func (s *Service) saveQueued(ctx context.Context, update contentUpdate, request AppendRequest, changedElsewhere bool, fields []zap.Field) (SaveResult, error) {
	committed, err := s.versions.commitQueued(ctx, update, request)
	if err != nil {
		return SaveResult{}, s.fail(opSaveDocument, err, fields...)
	}
	document, version, appendErr := committed.Document, committed.Version, committed.AppendErr
	if appendErr == nil {
		s.publish(EventDocumentSaved, request.DocumentID, request.AuthorID, version.VersionNumber)
		return SaveResult{Document: document, Version: &version, ChangedElsewhere: changedElsewhere}, nil
	}

	job := retryqueue.Job{
		DocumentID: request.DocumentID,
		EditID:     request.EditID,
		Title:      request.Title,
		Content:    request.Content,
		AuthorID:   request.AuthorID,
		EnqueuedAt: s.now(),
	}
	if pushErr := s.queue.Push(context.WithoutCancel(ctx), job); pushErr != nil {
		s.logError(opSaveDocument, "pending_push_failed", pushErr, append(fields, zap.String("edit_id", request.EditID))...)
	}
	s.publish(EventDocumentSaved, request.DocumentID, request.AuthorID, 0)
	s.logError(opSaveDocument, "version_append_queued", appendErr, append(fields, zap.String("edit_id", request.EditID))...)
	result := SaveResult{Document: document, VersionPending: true, ChangedElsewhere: changedElsewhere}
	return result, newServiceError(opSaveDocument, "version_append_queued", fmt.Errorf("%w: %w", ErrStorage, appendErr))
}

// ToggleVisibility flips is_public. Requires admin.
func (s *Service) ToggleVisibility(ctx context.Context, documentID, userID string) (Document, error) {
	documentID, err := normalizeIdentifier(documentID, "document id")
	if err != nil {
		return Document{}, s.fail(opToggleVisibility, err)
	}
	fields := []zap.Field{zap.String("document_id", documentID), zap.String("user_id", userID)}
	if _, _, err := s.access.require(ctx, documentID, strings.TrimSpace(userID), permissions.Admin); err != nil {
		return Document{}, s.fail(opToggleVisibility, err, fields...)
	}
	document, err := s.repository.ToggleVisibility(ctx, documentID)
	if err != nil {
		return Document{}, s.fail(opToggleVisibility, err, fields...)
	}
	s.publish(EventVisibilityChanged, documentID, userID, 0)
	return document, nil
}

// ListVersions returns the document's versions newest first. Requires read.
func (s *Service) ListVersions(ctx context.Context, documentID, userID string) ([]VersionView, error) {
	documentID, err := normalizeIdentifier(documentID, "document id")
	if err != nil {
		return nil, s.fail(opListVersions, err)
	}
	fields := []zap.Field{zap.String("document_id", documentID), zap.String("user_id", userID)}
	if _, _, err := s.access.require(ctx, documentID, strings.TrimSpace(userID), permissions.Read); err != nil {
		return nil, s.fail(opListVersions, err, fields...)
	}
	versions, err := s.versions.List(ctx, documentID)
	if err != nil {
		return nil, s.fail(opListVersions, err, fields...)
	}
	creatorIDs := make([]string, 0, len(versions))
	for _, version := range versions {
		creatorIDs = append(creatorIDs, version.CreatedBy)
	}
	profiles, err := enrichProfiles(ctx, s.profiles, s.storage, creatorIDs)
	if err != nil {
		return nil, s.fail(opListVersions, err, fields...)
	}
	views := make([]VersionView, 0, len(versions))
	for _, version := range versions {
		views = append(views, VersionView{
			Version: version,
			Creator: profiles[version.CreatedBy],
			Preview: content.Preview(version.Content()),
		})
	}
	return views, nil
}

// RestoreResult reports a restore.
type RestoreResult struct {
	Document Document
	Version  DocumentVersion
}

// RestoreVersion copies version versionNumber onto the document and records the restore as a
// new version. Requires write. The write is not aborted by caller cancellation.
func (s *Service) RestoreVersion(ctx context.Context, documentID string, versionNumber int64, userID string) (RestoreResult, error) {
	ctx = context.WithoutCancel(ctx)
	documentID, err := normalizeIdentifier(documentID, "document id")
	if err != nil {
		return RestoreResult{}, s.fail(opRestoreVersion, err)
	}
	userID, err = normalizeIdentifier(userID, "user id")
	if err != nil {
		return RestoreResult{}, s.fail(opRestoreVersion, err)
	}
	fields := []zap.Field{
		zap.String("document_id", documentID),
		zap.String("user_id", userID),
		zap.Int64("version_number", versionNumber),
	}
	if versionNumber < 1 {
		return RestoreResult{}, s.fail(opRestoreVersion, validationError("version number must be positive"), fields...)
	}
	if _, _, err := s.access.require(ctx, documentID, userID, permissions.Write); err != nil {
		return RestoreResult{}, s.fail(opRestoreVersion, err, fields...)
	}
	editID, err := s.idProvider.NewID()
	if err != nil {
		return RestoreResult{}, s.fail(opRestoreVersion, fmt.Errorf("%w: %w", ErrStorage, err), fields...)
	}
	document, version, err := s.versions.restore(ctx, documentID, versionNumber, userID, editID)
	if err != nil {
		return RestoreResult{}, s.fail(opRestoreVersion, err, fields...)
	}
	s.publish(EventDocumentRestored, documentID, userID, version.VersionNumber)
	return RestoreResult{Document: document, Version: version}, nil
}

// ShareDocument grants access to another user. Requires admin.
func (s *Service) ShareDocument(ctx context.Context, request ShareRequest) (ShareView, error) {
	ctx = context.WithoutCancel(ctx)
	view, err := s.shares.Share(ctx, request)
	if err != nil {
		return ShareView{}, s.fail(opShareDocument, err,
			zap.String("document_id", request.DocumentID),
			zap.String("user_id", request.GrantorID),
			zap.String("target", request.Target))
	}
	s.publish(EventSharesChanged, view.Share.DocumentID, view.Share.SharedBy, 0)
	return view, nil
}

// UpdateSharePermission changes the level of an existing share. Requires admin.
func (s *Service) UpdateSharePermission(ctx context.Context, shareID, permission, userID string) (ShareView, error) {
	ctx = context.WithoutCancel(ctx)
	view, err := s.shares.UpdatePermission(ctx, shareID, permission, userID)
	if err != nil {
		return ShareView{}, s.fail(opUpdateSharePermission, err, zap.String("share_id", shareID), zap.String("user_id", userID))
	}
	s.publish(EventSharesChanged, view.Share.DocumentID, userID, 0)
	return view, nil
}

// RevokeShare removes a share. Requires admin.
func (s *Service) RevokeShare(ctx context.Context, shareID, userID string) error {
	ctx = context.WithoutCancel(ctx)
	share, err := s.shares.Revoke(ctx, shareID, userID)
	if err != nil {
		return s.fail(opRevokeShare, err, zap.String("share_id", shareID), zap.String("user_id", userID))
	}
	s.publish(EventSharesChanged, share.DocumentID, userID, 0)
	return nil
}

// ListShares returns the document's shares in creation order. Requires read.
func (s *Service) ListShares(ctx context.Context, documentID, userID string) ([]ShareView, error) {
	views, err := s.shares.List(ctx, documentID, userID)
	if err != nil {
		return nil, s.fail(opListShares, err, zap.String("document_id", documentID), zap.String("user_id", userID))
	}
	return views, nil
}

// ResolvePermission returns userID's level on the document. An empty userID is anonymous.
func (s *Service) ResolvePermission(ctx context.Context, documentID, userID string) (permissions.Level, error) {
	documentID, err := normalizeIdentifier(documentID, "document id")
	if err != nil {
		return permissions.None, s.fail(opResolvePermission, err)
	}
	_, level, err := s.access.resolve(ctx, documentID, strings.TrimSpace(userID))
	if err != nil {
		return permissions.None, s.fail(opResolvePermission, err, zap.String("document_id", documentID), zap.String("user_id", userID))
	}
	return level, nil
}

// ListDocuments returns the documents userID authored or was granted, most recent first.
func (s *Service) ListDocuments(ctx context.Context, userID string, includeArchived bool) ([]DocumentListing, error) {
	userID, err := normalizeIdentifier(userID, "user id")
	if err != nil {
		return nil, s.fail(opListDocuments, err)
	}
	documents, err := s.repository.ListAccessible(ctx, userID, includeArchived)
	if err != nil {
		return nil, s.fail(opListDocuments, err, zap.String("user_id", userID))
	}
	var shares []DocumentShare
	err = s.storage.read(ctx, func(db *gorm.DB) error {
		return db.Where("user_id = ?", userID).Find(&shares).Error
	})
	if err != nil {
		return nil, s.fail(opListDocuments, err, zap.String("user_id", userID))
	}
	grants := make(map[string][]permissions.Grant, len(shares))
	for _, share := range shares {
		grants[share.DocumentID] = append(grants[share.DocumentID], share.grant())
	}
	listings := make([]DocumentListing, 0, len(documents))
	for _, document := range documents {
		listings = append(listings, DocumentListing{
			Document:   document,
			Permission: permissions.Resolve(userID, document.permissionFacts(), grants[document.DocumentID]),
			Preview:    content.Preview(document.Content()),
		})
	}
	return listings, nil
}

// ArchiveDocument sets the archive flag. Requires admin.
func (s *Service) ArchiveDocument(ctx context.Context, documentID, userID string, archived bool) (Document, error) {
	documentID, err := normalizeIdentifier(documentID, "document id")
	if err != nil {
		return Document{}, s.fail(opArchiveDocument, err)
	}
	fields := []zap.Field{zap.String("document_id", documentID), zap.String("user_id", userID)}
	if _, _, err := s.access.require(ctx, documentID, strings.TrimSpace(userID), permissions.Admin); err != nil {
		return Document{}, s.fail(opArchiveDocument, err, fields...)
	}
	document, err := s.repository.SetArchived(ctx, documentID, archived, s.now())
	if err != nil {
		return Document{}, s.fail(opArchiveDocument, err, fields...)
	}
	s.publish(EventArchiveChanged, documentID, userID, 0)
	return document, nil
}

// DeleteDocument removes the document with its versions and shares. Only the author may delete.
func (s *Service) DeleteDocument(ctx context.Context, documentID, userID string) error {
	ctx = context.WithoutCancel(ctx)
	documentID, err := normalizeIdentifier(documentID, "document id")
	if err != nil {
		return s.fail(opDeleteDocument, err)
	}
	fields := []zap.Field{zap.String("document_id", documentID), zap.String("user_id", userID)}
	if _, _, err := s.access.require(ctx, documentID, strings.TrimSpace(userID), permissions.Admin); err != nil {
		return s.fail(opDeleteDocument, err, fields...)
	}
	if err := s.repository.Delete(ctx, documentID); err != nil {
		return s.fail(opDeleteDocument, err, fields...)
	}
	s.publish(EventDocumentDeleted, documentID, userID, 0)
	return nil
}

func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return DefaultTitle, nil
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return "", validationError("title exceeds %d characters", maxTitleLength)
	}
	return title, nil
}

func (s *Service) publish(eventType EventType, documentID, actorID string, versionNumber int64) {
	s.publisher.Publish(Event{
		Type:          eventType,
		DocumentID:    documentID,
		ActorID:       actorID,
		VersionNumber: versionNumber,
		OccurredAt:    s.now(),
	})
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// fail logs err and wraps it in a ServiceError whose reason follows the error kind.
func (s *Service) fail(operation string, err error, fields ...zap.Field) error {
	reason := reasonFor(err)
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func reasonFor(err error) string {
	switch KindOf(err) {
	case KindAccessDenied:
		return "access_denied"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "invalid_input"
	case KindStorage:
		if errors.Is(err, ErrVersionRace) {
			return "version_allocation_exhausted"
		}
		return "storage_failure"
	default:
		return "internal"
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("documents service error", attrs...)
}
