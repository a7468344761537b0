package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/content"
	"github.com/stretchr/testify/require"
)

type sessionBody struct {
	SessionID     string `json:"session_id"`
	DocumentID    string `json:"document_id"`
	State         string `json:"state"`
	Title         string `json:"title"`
	Revision      uint64 `json:"revision"`
	SavedRevision uint64 `json:"saved_revision"`
	VersionNumber int64  `json:"version_number"`
	LastError     *struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	} `json:"last_error"`
	ChangedElsewhere bool            `json:"changed_elsewhere"`
	Content          json.RawMessage `json:"content"`
}

func (s *testServer) openSession(t *testing.T, token, documentID string) sessionBody {
	t.Helper()
	response := s.do(t, http.MethodPost, "/documents/"+documentID+"/sessions", token, nil)
	require.Equal(t, http.StatusCreated, response.status, "body: %s", response.body)
	var session sessionBody
	response.decode(t, &session)
	return session
}

func (s *testServer) sessionState(t *testing.T, token, sessionID string) sessionBody {
	t.Helper()
	response := s.do(t, http.MethodGet, "/sessions/"+sessionID, token, nil)
	require.Equal(t, http.StatusOK, response.status, "body: %s", response.body)
	var session sessionBody
	response.decode(t, &session)
	return session
}

func TestSessionEditsAutosaveOnce(t *testing.T) {
	env := newTestServer(t)
	alice := env.tokenFor(t, "user-a", "alice")
	documentID := env.createDocument(t, alice, "Essay").Document.DocumentID

	session := env.openSession(t, alice, documentID)
	require.Equal(t, "idle", session.State)
	require.Equal(t, "Essay", session.Title)

	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		response := env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/edits", alice, map[string]any{
			"content": content.Paragraphs(text),
		})
		require.Equal(t, http.StatusAccepted, response.status, "body: %s", response.body)
	}

	require.Eventually(t, func() bool {
		state := env.sessionState(t, alice, session.SessionID)
		return state.State == "idle" && state.SavedRevision == 5
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 2, env.countVersions(t, documentID))

	final := env.sessionState(t, alice, session.SessionID)
	require.EqualValues(t, 2, final.VersionNumber)
	require.Equal(t, "Essay", final.Title)
}

func TestSessionWithoutWriteReportsAccessDenied(t *testing.T) {
	env := newTestServer(t)
	alice := env.tokenFor(t, "user-a", "alice")
	carol := env.tokenFor(t, "user-c", "carol")
	documentID := env.createDocument(t, alice, "Public").Document.DocumentID
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/documents/"+documentID+"/visibility", alice, nil).status)

	session := env.openSession(t, carol, documentID)
	title := "mine now"
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/edits", carol, map[string]any{
		"title": title,
	}).status)

	require.Eventually(t, func() bool {
		return env.sessionState(t, carol, session.SessionID).State == "error"
	}, 2*time.Second, 10*time.Millisecond)

	state := env.sessionState(t, carol, session.SessionID)
	require.NotNil(t, state.LastError)
	require.Equal(t, "access_denied", state.LastError.Error)
	require.Equal(t, title, state.Title)
	require.EqualValues(t, 1, env.countVersions(t, documentID))
}

func TestSessionsAreScopedToTheirOwner(t *testing.T) {
	env := newTestServer(t)
	alice := env.tokenFor(t, "user-a", "alice")
	bob := env.tokenFor(t, "user-b", "bob")
	documentID := env.createDocument(t, alice, "Private").Document.DocumentID

	session := env.openSession(t, alice, documentID)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/sessions/"+session.SessionID, bob, nil).status)
	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/sessions/"+session.SessionID, bob, nil).status)
	require.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/documents/"+documentID+"/sessions", bob, nil).status)
	require.Equal(t, 1, env.sessions.Len())
}

func TestCloseSessionWithFlushSavesPendingEdits(t *testing.T) {
	env := newTestServer(t)
	alice := env.tokenFor(t, "user-a", "alice")
	documentID := env.createDocument(t, alice, "Notes").Document.DocumentID
	session := env.openSession(t, alice, documentID)

	invalid := env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/edits", alice, map[string]any{
		"content": map[string]string{"type": "text"},
	})
	require.Equal(t, http.StatusBadRequest, invalid.status)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/edits", alice, map[string]any{
		"title":   "Notes",
		"content": content.Paragraphs("closing words"),
	}).status)

	closed := env.do(t, http.MethodDelete, "/sessions/"+session.SessionID+"?flush=true", alice, nil)
	require.Equal(t, http.StatusNoContent, closed.status, "body: %s", closed.body)
	require.Equal(t, 0, env.sessions.Len())

	loaded := env.do(t, http.MethodGet, "/documents/"+documentID, alice, nil)
	require.Contains(t, string(loaded.body), "closing words")
	require.EqualValues(t, 2, env.countVersions(t, documentID))

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/save", alice, nil).status)
}

func TestManualSaveStartsCommit(t *testing.T) {
	env := newTestServer(t)
	alice := env.tokenFor(t, "user-a", "alice")
	documentID := env.createDocument(t, alice, "Quick").Document.DocumentID
	session := env.openSession(t, alice, documentID)

	idle := env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/save", alice, nil)
	require.Equal(t, http.StatusAccepted, idle.status)
	var nothing struct {
		Started bool `json:"started"`
	}
	idle.decode(t, &nothing)
	require.False(t, nothing.Started)

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/edits", alice, map[string]any{
		"title": "Quicker",
	}).status)
	saved := env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/save", alice, nil)
	require.Equal(t, http.StatusAccepted, saved.status)

	require.Eventually(t, func() bool {
		return env.countVersions(t, documentID) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTitleOnlyEditKeepsSessionContent(t *testing.T) {
	env := newTestServer(t)
	alice := env.tokenFor(t, "user-a", "alice")
	documentID := env.createDocument(t, alice, "Partial").Document.DocumentID
	session := env.openSession(t, alice, documentID)
	body := content.Paragraphs("stays put")

	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/edits", alice, map[string]any{
		"content": body,
	}).status)
	renamed := env.do(t, http.MethodPost, "/sessions/"+session.SessionID+"/edits", alice, map[string]any{
		"title": "Renamed",
	})
	require.Equal(t, http.StatusAccepted, renamed.status, "body: %s", renamed.body)

	var state sessionBody
	renamed.decode(t, &state)
	require.Equal(t, "Renamed", state.Title)
	require.Equal(t, "stays put", content.Preview(state.Content))
	require.EqualValues(t, 2, state.Revision)
	require.False(t, state.ChangedElsewhere)
}
