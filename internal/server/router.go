package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/auth"
	"github.com/MarcoPoloResearchLab/inkwell/internal/autosave"
	"github.com/MarcoPoloResearchLab/inkwell/internal/documents"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const userIDContextKey = "inkwell_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingProfileService   = errors.New("profile service dependency required")
	errMissingDocumentService  = errors.New("document service dependency required")
	errMissingSessionRegistry  = errors.New("autosave registry dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates an incoming request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileProvisioner maps validated claims onto a canonical user id.
type ProfileProvisioner interface {
	EnsureProfile(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator SessionValidator
	Profiles         ProfileProvisioner
	Documents        *documents.Service
	Sessions         *autosave.Registry
	Realtime         *RealtimeDispatcher
	AllowedOrigins   []string
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the document API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfileService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionRegistry
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		profiles:  deps.Profiles,
		documents: deps.Documents,
		editors:   deps.Sessions,
		realtime:  deps.Realtime,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents", handler.handleListDocuments)
	protected.GET("/documents/:id", handler.handleLoadDocument)
	protected.PUT("/documents/:id", handler.handleSaveDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)
	protected.POST("/documents/:id/visibility", handler.handleToggleVisibility)
	protected.POST("/documents/:id/archive", handler.handleArchiveDocument)
	protected.GET("/documents/:id/permission", handler.handleResolvePermission)
	protected.GET("/documents/:id/versions", handler.handleListVersions)
	protected.POST("/documents/:id/versions/:n/restore", handler.handleRestoreVersion)
	protected.GET("/documents/:id/shares", handler.handleListShares)
	protected.POST("/documents/:id/shares", handler.handleShareDocument)
	protected.PATCH("/shares/:shareId", handler.handleUpdateShare)
	protected.DELETE("/shares/:shareId", handler.handleRevokeShare)
	protected.GET("/documents/:id/events", handler.handleDocumentEvents)

	protected.POST("/documents/:id/sessions", handler.handleOpenSession)
	protected.GET("/sessions/:sid", handler.handleGetSession)
	protected.POST("/sessions/:sid/edits", handler.handleSessionEdit)
	protected.POST("/sessions/:sid/save", handler.handleSessionSave)
	protected.DELETE("/sessions/:sid", handler.handleCloseSession)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	profiles  ProfileProvisioner
	documents *documents.Service
	editors   *autosave.Registry
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		level := zapcore.WarnLevel
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			level = zapcore.InfoLevel
		}
		h.logger.Log(level, "token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := h.profiles.EnsureProfile(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("profile provisioning failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// writeError renders a service error as {"error": kind, "code": code}.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	kind := documents.KindOf(err)
	code := documents.CodeOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": string(kind), "code": code})
}

func statusForKind(kind documents.ErrorKind) int {
	switch kind {
	case documents.KindAccessDenied:
		return http.StatusForbidden
	case documents.KindNotFound:
		return http.StatusNotFound
	case documents.KindConflict:
		return http.StatusConflict
	case documents.KindValidation:
		return http.StatusBadRequest
	case documents.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func invalidRequest(c *gin.Context, detail string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": string(documents.KindValidation), "code": "request.invalid_input", "detail": detail})
}

func userIDFrom(c *gin.Context) string {
	return strings.TrimSpace(c.GetString(userIDContextKey))
}
