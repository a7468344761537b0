package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/autosave"
	"github.com/MarcoPoloResearchLab/inkwell/internal/content"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/gin-gonic/gin"
)

type sessionPayload struct {
	SessionID     string          `json:"session_id"`
	DocumentID    string          `json:"document_id"`
	State         autosave.State  `json:"state"`
	Title         string          `json:"title"`
	Content       json.RawMessage `json:"content"`
	Revision      uint64          `json:"revision"`
	SavedRevision uint64          `json:"saved_revision"`
	VersionNumber int64           `json:"version_number,omitempty"`
	LastSavedAt   *time.Time      `json:"last_saved_at,omitempty"`
	LastError     *errorPayload   `json:"last_error,omitempty"`

	ChangedElsewhere bool `json:"changed_elsewhere"`
}

type errorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type sessionEditRequest struct {
	Title   *string         `json:"title"`
	Content json.RawMessage `json:"content"`
}

func newSessionPayload(snapshot autosave.Snapshot) sessionPayload {
	payload := sessionPayload{
		SessionID:     snapshot.SessionID,
		DocumentID:    snapshot.DocumentID,
		State:         snapshot.State,
		Title:         snapshot.Title,
		Content:       snapshot.Content,
		Revision:      snapshot.Revision,
		SavedRevision: snapshot.SavedRevision,
		VersionNumber: snapshot.VersionNumber,

		ChangedElsewhere: snapshot.ChangedElsewhere,
	}
	if !snapshot.LastSavedAt.IsZero() {
		savedAt := snapshot.LastSavedAt
		payload.LastSavedAt = &savedAt
	}
	if snapshot.LastError != nil {
		payload.LastError = &errorPayload{
			Error: string(documents.KindOf(snapshot.LastError)),
			Code:  documents.CodeOf(snapshot.LastError),
		}
	}
	return payload
}

func (h *httpHandler) handleOpenSession(c *gin.Context) {
	userID := userIDFrom(c)
	view, err := h.documents.LoadDocument(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	session, err := h.editors.Open(autosave.OpenRequest{
		DocumentID: view.Document.DocumentID,
		UserID:     userID,
		Title:      view.Document.Title,
		Content:    view.Document.Content(),
		UpdatedAt:  view.Document.UpdatedAt,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionPayload(session.Snapshot()))
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSessionPayload(session.Snapshot()))
}

func (h *httpHandler) handleSessionEdit(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var request sessionEditRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		invalidRequest(c, "malformed edit payload")
		return
	}
	var tree json.RawMessage
	if len(request.Content) > 0 {
		normalized, err := content.Normalize(request.Content)
		if err != nil {
			invalidRequest(c, "content must be a doc tree")
			return
		}
		tree = normalized
	}
	if err := session.Apply(request.Title, tree); err != nil {
		h.sessionGone(c)
		return
	}
	c.JSON(http.StatusAccepted, newSessionPayload(session.Snapshot()))
}

func (h *httpHandler) handleSessionSave(c *gin.Context) {
	session, ok := h.ownedSession(c)
	if !ok {
		return
	}
	started, err := session.Save()
	if err != nil {
		h.sessionGone(c)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": started, "session": newSessionPayload(session.Snapshot())})
}

func (h *httpHandler) handleCloseSession(c *gin.Context) {
	if _, ok := h.ownedSession(c); !ok {
		return
	}
	flush, _ := strconv.ParseBool(c.Query("flush"))
	if err := h.editors.Close(c.Request.Context(), c.Param("sid"), flush); err != nil {
		if errors.Is(err, autosave.ErrSessionNotFound) || errors.Is(err, autosave.ErrSessionClosed) {
			h.sessionGone(c)
			return
		}
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ownedSession resolves the :sid parameter to a session opened by the caller. Sessions of
// other users are reported as missing.
func (h *httpHandler) ownedSession(c *gin.Context) (*autosave.Session, bool) {
	session, err := h.editors.Get(c.Param("sid"))
	if err != nil || session.UserID() != userIDFrom(c) {
		h.sessionGone(c)
		return nil, false
	}
	return session, true
}

func (h *httpHandler) sessionGone(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": string(documents.KindNotFound), "code": "sessions.lookup.not_found"})
}
