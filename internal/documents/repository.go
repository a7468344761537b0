package documents

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists document rows. It performs no permission checks.
type Repository struct {
	storage storage
}

// NewRepository wraps db with the given per-call timeout.
func NewRepository(db *gorm.DB, timeout time.Duration) *Repository {
	return &Repository{storage: newStorage(db, timeout)}
}

type contentUpdate struct {
	DocumentID string
	Title      string
	Content    string
	EditorID   string
	Summary    *string
	UpdatedAt  time.Time
}

// Create inserts a new document row.
func (r *Repository) Create(ctx context.Context, document Document) error {
	return r.storage.write(ctx, func(db *gorm.DB) error {
		return db.Create(&document).Error
	})
}

// Get loads a document by id.
func (r *Repository) Get(ctx context.Context, documentID string) (Document, error) {
	var document Document
	err := r.storage.read(ctx, func(db *gorm.DB) error {
		return db.Where("document_id = ?", documentID).Take(&document).Error
	})
	return document, err
}

func updateContentTx(tx *gorm.DB, update contentUpdate) (Document, error) {
	values := map[string]any{
		"title":          update.Title,
		"content_json":   update.Content,
		"last_edited_by": update.EditorID,
		"updated_at":     update.UpdatedAt,
	}
	if update.Summary != nil {
		values["summary"] = *update.Summary
	}
	result := tx.Model(&Document{}).Where("document_id = ?", update.DocumentID).Updates(values)
	if result.Error != nil {
		return Document{}, result.Error
	}
	if result.RowsAffected == 0 {
		return Document{}, gorm.ErrRecordNotFound
	}
	var document Document
	err := tx.Where("document_id = ?", update.DocumentID).Take(&document).Error
	return document, err
}

// ToggleVisibility flips is_public in a single statement and returns the new row.
func (r *Repository) ToggleVisibility(ctx context.Context, documentID string) (Document, error) {
	var document Document
	err := r.storage.transaction(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&Document{}).
			Where("document_id = ?", documentID).
			Update("is_public", gorm.Expr("NOT is_public"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("document_id = ?", documentID).Take(&document).Error
	})
	return document, err
}

// SetArchived updates the archive flag and returns the new row.
func (r *Repository) SetArchived(ctx context.Context, documentID string, archived bool, updatedAt time.Time) (Document, error) {
	var document Document
	err := r.storage.transaction(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&Document{}).
			Where("document_id = ?", documentID).
			Updates(map[string]any{"is_archived": archived, "updated_at": updatedAt})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Where("document_id = ?", documentID).Take(&document).Error
	})
	return document, err
}

// Delete removes the document with its versions and shares.
func (r *Repository) Delete(ctx context.Context, documentID string) error {
	return r.storage.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&DocumentVersion{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", documentID).Delete(&DocumentShare{}).Error; err != nil {
			return err
		}
		result := tx.Where("document_id = ?", documentID).Delete(&Document{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ListAccessible returns documents userID authored or holds a share on, most recently updated first.
func (r *Repository) ListAccessible(ctx context.Context, userID string, includeArchived bool) ([]Document, error) {
	var documents []Document
	err := r.storage.read(ctx, func(db *gorm.DB) error {
		shared := db.Model(&DocumentShare{}).Select("document_id").Where("user_id = ?", userID)
		query := db.Where("author_id = ? OR document_id IN (?)", userID, shared)
		if !includeArchived {
			query = query.Where("is_archived = ?", false)
		}
		return query.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "updated_at"}, Desc: true},
			{Column: clause.Column{Name: "document_id"}},
		}}).Find(&documents).Error
	})
	return documents, err
}
