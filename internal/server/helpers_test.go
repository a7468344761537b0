package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/autosave"
	"github.com/MarcoPoloResearchLab/inkwell/internal/database"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "inkwell_session"
)

type sequenceIDs struct {
	next atomic.Int64
}

func (s *sequenceIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%05d", s.next.Add(1)), nil
}

type testServer struct {
	server     *httptest.Server
	db         *gorm.DB
	documents  *documents.Service
	sessions   *autosave.Registry
	dispatcher *RealtimeDispatcher
	issuer     *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "server.db"),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)

	dispatcher := NewRealtimeDispatcher()
	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDs{},
		Profiles:   profiles,
		Publisher:  dispatcher,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)

	registry := autosave.NewRegistry(autosave.RegistryConfig{
		Committer: documentService,
		Debounce:  200 * time.Millisecond,
	})
	t.Cleanup(registry.CloseAll)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Profiles:         profiles,
		Documents:        documentService,
		Sessions:         registry,
		Realtime:         dispatcher,
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{
		server:     server,
		db:         db,
		documents:  documentService,
		sessions:   registry,
		dispatcher: dispatcher,
		issuer:     issuer,
	}
}

// tokenFor signs a session token for userID; the username seeds the profile on first use.
func (s *testServer) tokenFor(t *testing.T, userID, username string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.SessionClaims{UserID: userID, Username: username})
	require.NoError(t, err)
	return token
}

type apiResponse struct {
	status int
	body   []byte
}

func (r apiResponse) decode(t *testing.T, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, target), "body: %s", r.body)
}

func (r apiResponse) errorBody(t *testing.T) (string, string) {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	r.decode(t, &payload)
	return payload.Error, payload.Code
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) apiResponse {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return apiResponse{status: response.StatusCode, body: payload}
}

type createdDocument struct {
	Document struct {
		DocumentID string    `json:"document_id"`
		Title      string    `json:"title"`
		UpdatedAt  time.Time `json:"updated_at"`
		IsPublic   bool      `json:"is_public"`
	} `json:"document"`
	Permission string `json:"permission"`
}

func (s *testServer) createDocument(t *testing.T, token, title string) createdDocument {
	t.Helper()
	response := s.do(t, http.MethodPost, "/documents", token, map[string]any{"title": title})
	require.Equal(t, http.StatusCreated, response.status, "body: %s", response.body)
	var created createdDocument
	response.decode(t, &created)
	return created
}

func (s *testServer) countVersions(t *testing.T, documentID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, s.db.Model(&documents.DocumentVersion{}).Where("document_id = ?", documentID).Count(&count).Error)
	return count
}
