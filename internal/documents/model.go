package documents

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/permissions"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
)

const (
	maxIdentifierLength = 190
	maxTitleLength      = 512

	// DefaultTitle is assigned to documents created without a title.
	DefaultTitle = "Untitled Document"
)

// Document is the current state of a rich-text document.
type Document struct {
	DocumentID   string    `gorm:"column:document_id;primaryKey;size:190;not null"`
	Title        string    `gorm:"column:title;size:512;not null"`
	ContentJSON  string    `gorm:"column:content_json;type:text;not null"`
	AuthorID     string    `gorm:"column:author_id;size:190;not null;index:idx_documents_author_updated,priority:1"`
	IsPublic     bool      `gorm:"column:is_public;not null;default:false"`
	IsArchived   bool      `gorm:"column:is_archived;not null;default:false"`
	LastEditedBy *string   `gorm:"column:last_edited_by;size:190"`
	Summary      *string   `gorm:"column:summary;type:text"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null;autoUpdateTime:false;index:idx_documents_author_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Content returns the stored content tree.
func (d Document) Content() json.RawMessage {
	return json.RawMessage(d.ContentJSON)
}

func (d Document) permissionFacts() permissions.Document {
	return permissions.Document{AuthorID: d.AuthorID, IsPublic: d.IsPublic}
}

// DocumentVersion is an immutable snapshot taken at commit time. Version numbers per document
// start at 1 and never repeat; EditID identifies the commit that produced the row.
type DocumentVersion struct {
	VersionID     string    `gorm:"column:version_id;primaryKey;size:190;not null"`
	DocumentID    string    `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_versions_document_number,priority:1;uniqueIndex:idx_versions_document_edit,priority:1"`
	VersionNumber int64     `gorm:"column:version_number;not null;uniqueIndex:idx_versions_document_number,priority:2"`
	EditID        string    `gorm:"column:edit_id;size:190;not null;uniqueIndex:idx_versions_document_edit,priority:2"`
	Title         string    `gorm:"column:title;size:512;not null"`
	ContentJSON   string    `gorm:"column:content_json;type:text;not null"`
	CreatedBy     string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentVersion) TableName() string {
	return "document_versions"
}

// Content returns the snapshot content tree.
func (v DocumentVersion) Content() json.RawMessage {
	return json.RawMessage(v.ContentJSON)
}

// DocumentShare grants one user read or write on one document.
type DocumentShare struct {
	ShareID    string    `gorm:"column:share_id;primaryKey;size:190;not null"`
	DocumentID string    `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_shares_document_user,priority:1"`
	UserID     string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_shares_document_user,priority:2;index:idx_shares_user"`
	Permission string    `gorm:"column:permission;size:16;not null"`
	SharedBy   string    `gorm:"column:shared_by;size:190;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentShare) TableName() string {
	return "document_shares"
}

// Level parses the stored permission. Unknown values resolve to none.
func (s DocumentShare) Level() permissions.Level {
	level, err := permissions.ParseGrant(s.Permission)
	if err != nil {
		return permissions.None
	}
	return level
}

func (s DocumentShare) grant() permissions.Grant {
	return permissions.Grant{UserID: s.UserID, Level: s.Level()}
}

// DocumentView is a loaded document enriched for presentation.
type DocumentView struct {
	Document   Document
	Author     users.Profile
	Permission permissions.Level
}

// DocumentListing is one row of a user's document list.
type DocumentListing struct {
	Document   Document
	Permission permissions.Level
	Preview    string
}

// VersionView is a version enriched with its creator profile and a text preview.
type VersionView struct {
	Version DocumentVersion
	Creator users.Profile
	Preview string
}

// ShareView is a share enriched with the grantee's profile.
type ShareView struct {
	Share   DocumentShare
	Profile users.Profile
}

// CreateRequest describes a new document.
type CreateRequest struct {
	AuthorID string
	Title    string
	Content  json.RawMessage
	IsPublic bool
}

// SaveRequest is one commit of an edit session.
type SaveRequest struct {
	DocumentID string
	UserID     string
	Title      string
	Content    json.RawMessage
	Summary    *string
	// ExpectedUpdatedAt is the updated_at the editor last observed. A mismatch is reported,
	// never rejected.
	ExpectedUpdatedAt *time.Time
}

// SaveResult reports a committed save.
type SaveResult struct {
	Document Document
	// Version is nil when the version append was deferred to the pending queue.
	Version          *DocumentVersion
	VersionPending   bool
	ChangedElsewhere bool
}

// ShareRequest grants Permission on DocumentID to the user named by Target.
type ShareRequest struct {
	DocumentID string
	GrantorID  string
	Target     string
	Permission string
}
