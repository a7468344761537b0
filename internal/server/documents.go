package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"github.com/gin-gonic/gin"
)

type profilePayload struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type documentPayload struct {
	DocumentID   string          `json:"document_id"`
	Title        string          `json:"title"`
	Content      json.RawMessage `json:"content"`
	AuthorID     string          `json:"author_id"`
	IsPublic     bool            `json:"is_public"`
	IsArchived   bool            `json:"is_archived"`
	LastEditedBy *string         `json:"last_edited_by,omitempty"`
	Summary      *string         `json:"summary,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type documentViewPayload struct {
	Document   documentPayload `json:"document"`
	Author     profilePayload  `json:"author"`
	Permission string          `json:"permission"`
}

type documentListingPayload struct {
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	AuthorID   string    `json:"author_id"`
	IsPublic   bool      `json:"is_public"`
	IsArchived bool      `json:"is_archived"`
	UpdatedAt  time.Time `json:"updated_at"`
	Permission string    `json:"permission"`
	Preview    string    `json:"preview"`
}

type versionPayload struct {
	VersionNumber int64          `json:"version_number"`
	Title         string         `json:"title"`
	CreatedBy     string         `json:"created_by"`
	CreatedAt     time.Time      `json:"created_at"`
	Creator       profilePayload `json:"creator"`
	Preview       string         `json:"preview,omitempty"`
}

type sharePayload struct {
	ShareID    string         `json:"share_id"`
	DocumentID string         `json:"document_id"`
	UserID     string         `json:"user_id"`
	Permission string         `json:"permission"`
	SharedBy   string         `json:"shared_by"`
	CreatedAt  time.Time      `json:"created_at"`
	Profile    profilePayload `json:"profile"`
}

type createDocumentRequest struct {
	Title    string          `json:"title"`
	Content  json.RawMessage `json:"content"`
	IsPublic bool            `json:"is_public"`
}

type saveDocumentRequest struct {
	Title             string          `json:"title"`
	Content           json.RawMessage `json:"content"`
	Summary           *string         `json:"summary"`
	ExpectedUpdatedAt *time.Time      `json:"expected_updated_at"`
}

type saveDocumentResponse struct {
	Document         documentPayload `json:"document"`
	VersionNumber    int64           `json:"version_number,omitempty"`
	VersionPending   bool            `json:"version_pending"`
	ChangedElsewhere bool            `json:"changed_elsewhere"`
}

type archiveRequest struct {
	Archived *bool `json:"archived"`
}

type shareRequest struct {
	Target     string `json:"target"`
	Permission string `json:"permission"`
}

type updateShareRequest struct {
	Permission string `json:"permission"`
}

func newProfilePayload(profile users.Profile) profilePayload {
	return profilePayload{
		UserID:    profile.UserID,
		Username:  profile.Username,
		FullName:  profile.FullName,
		AvatarURL: profile.AvatarURL,
	}
}

func newDocumentPayload(document documents.Document) documentPayload {
	return documentPayload{
		DocumentID:   document.DocumentID,
		Title:        document.Title,
		Content:      document.Content(),
		AuthorID:     document.AuthorID,
		IsPublic:     document.IsPublic,
		IsArchived:   document.IsArchived,
		LastEditedBy: document.LastEditedBy,
		Summary:      document.Summary,
		CreatedAt:    document.CreatedAt,
		UpdatedAt:    document.UpdatedAt,
	}
}

func newDocumentViewPayload(view documents.DocumentView) documentViewPayload {
	return documentViewPayload{
		Document:   newDocumentPayload(view.Document),
		Author:     newProfilePayload(view.Author),
		Permission: view.Permission.String(),
	}
}

func newSharePayload(view documents.ShareView) sharePayload {
	return sharePayload{
		ShareID:    view.Share.ShareID,
		DocumentID: view.Share.DocumentID,
		UserID:     view.Share.UserID,
		Permission: view.Share.Level().String(),
		SharedBy:   view.Share.SharedBy,
		CreatedAt:  view.Share.CreatedAt,
		Profile:    newProfilePayload(view.Profile),
	}
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	var request createDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "malformed document payload")
		return
	}
	view, err := h.documents.CreateDocument(c.Request.Context(), documents.CreateRequest{
		AuthorID: userIDFrom(c),
		Title:    request.Title,
		Content:  request.Content,
		IsPublic: request.IsPublic,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newDocumentViewPayload(view))
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	includeArchived, _ := strconv.ParseBool(c.Query("archived"))
	listings, err := h.documents.ListDocuments(c.Request.Context(), userIDFrom(c), includeArchived)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]documentListingPayload, 0, len(listings))
	for _, listing := range listings {
		response = append(response, documentListingPayload{
			DocumentID: listing.Document.DocumentID,
			Title:      listing.Document.Title,
			AuthorID:   listing.Document.AuthorID,
			IsPublic:   listing.Document.IsPublic,
			IsArchived: listing.Document.IsArchived,
			UpdatedAt:  listing.Document.UpdatedAt,
			Permission: listing.Permission.String(),
			Preview:    listing.Preview,
		})
	}
	c.JSON(http.StatusOK, gin.H{"documents": response})
}

func (h *httpHandler) handleLoadDocument(c *gin.Context) {
	view, err := h.documents.LoadDocument(c.Request.Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentViewPayload(view))
}

func (h *httpHandler) handleSaveDocument(c *gin.Context) {
	var request saveDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "malformed save payload")
		return
	}
	result, err := h.documents.SaveDocument(c.Request.Context(), documents.SaveRequest{
		DocumentID:        c.Param("id"),
		UserID:            userIDFrom(c),
		Title:             request.Title,
		Content:           request.Content,
		Summary:           request.Summary,
		ExpectedUpdatedAt: request.ExpectedUpdatedAt,
	})
	if err != nil && !result.VersionPending {
		h.writeError(c, err)
		return
	}
	response := saveDocumentResponse{
		Document:         newDocumentPayload(result.Document),
		VersionPending:   result.VersionPending,
		ChangedElsewhere: result.ChangedElsewhere,
	}
	if result.Version != nil {
		response.VersionNumber = result.Version.VersionNumber
	}
	if result.VersionPending {
		// content is durable; the version is replayed from the pending queue
		c.JSON(http.StatusAccepted, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	if err := h.documents.DeleteDocument(c.Request.Context(), c.Param("id"), userIDFrom(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleToggleVisibility(c *gin.Context) {
	document, err := h.documents.ToggleVisibility(c.Request.Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document))
}

func (h *httpHandler) handleArchiveDocument(c *gin.Context) {
	var request archiveRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Archived == nil {
		invalidRequest(c, "archived flag required")
		return
	}
	document, err := h.documents.ArchiveDocument(c.Request.Context(), c.Param("id"), userIDFrom(c), *request.Archived)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newDocumentPayload(document))
}

func (h *httpHandler) handleResolvePermission(c *gin.Context) {
	level, err := h.documents.ResolvePermission(c.Request.Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"document_id": c.Param("id"), "permission": level.String()})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	views, err := h.documents.ListVersions(c.Request.Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]versionPayload, 0, len(views))
	for _, view := range views {
		response = append(response, versionPayload{
			VersionNumber: view.Version.VersionNumber,
			Title:         view.Version.Title,
			CreatedBy:     view.Version.CreatedBy,
			CreatedAt:     view.Version.CreatedAt,
			Creator:       newProfilePayload(view.Creator),
			Preview:       view.Preview,
		})
	}
	c.JSON(http.StatusOK, gin.H{"versions": response})
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	versionNumber, err := strconv.ParseInt(c.Param("n"), 10, 64)
	if err != nil {
		invalidRequest(c, "version number must be an integer")
		return
	}
	result, err := h.documents.RestoreVersion(c.Request.Context(), c.Param("id"), versionNumber, userIDFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document":       newDocumentPayload(result.Document),
		"version_number": result.Version.VersionNumber,
	})
}

func (h *httpHandler) handleListShares(c *gin.Context) {
	views, err := h.documents.ListShares(c.Request.Context(), c.Param("id"), userIDFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := make([]sharePayload, 0, len(views))
	for _, view := range views {
		response = append(response, newSharePayload(view))
	}
	c.JSON(http.StatusOK, gin.H{"shares": response})
}

func (h *httpHandler) handleShareDocument(c *gin.Context) {
	var request shareRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "malformed share payload")
		return
	}
	view, err := h.documents.ShareDocument(c.Request.Context(), documents.ShareRequest{
		DocumentID: c.Param("id"),
		GrantorID:  userIDFrom(c),
		Target:     request.Target,
		Permission: request.Permission,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSharePayload(view))
}

func (h *httpHandler) handleUpdateShare(c *gin.Context) {
	var request updateShareRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "malformed share payload")
		return
	}
	view, err := h.documents.UpdateSharePermission(c.Request.Context(), c.Param("shareId"), request.Permission, userIDFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSharePayload(view))
}

func (h *httpHandler) handleRevokeShare(c *gin.Context) {
	if err := h.documents.RevokeShare(c.Request.Context(), c.Param("shareId"), userIDFrom(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
