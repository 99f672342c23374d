package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/auth"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/MarcoPoloResearchLab/qasync/internal/recordstore"
	"github.com/MarcoPoloResearchLab/qasync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "qasync_user_id"
	categoryContextKey = "qasync_category"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecordService  = errors.New("record service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// RecordService is the authoritative store the HTTP API exposes.
type RecordService interface {
	Create(ctx context.Context, userID recordstore.UserID, category records.Category, localID records.LocalID, payload records.Payload) (remote.BulkResult, error)
	BulkCreate(ctx context.Context, userID recordstore.UserID, category records.Category, items []remote.BulkItem) ([]remote.BulkResult, error)
	List(ctx context.Context, userID recordstore.UserID, category records.Category, since *time.Time) ([]remote.RemoteRecord, error)
	Update(ctx context.Context, userID recordstore.UserID, category records.Category, remoteID records.RemoteID, patch records.Patch) (remote.RemoteRecord, error)
	Remove(ctx context.Context, userID recordstore.UserID, category records.Category, remoteID records.RemoteID) error
}

type Dependencies struct {
	TokenValidator TokenValidator
	Records        RecordService
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the record API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Records == nil {
		return nil, errMissingRecordService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:  deps.TokenValidator,
		records: deps.Records,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1/categories/:category")
	protected.Use(handler.authorizeRequest, handler.resolveCategory)
	protected.POST("/records", handler.handleCreate)
	protected.POST("/records/bulk", handler.handleBulkCreate)
	protected.GET("/records", handler.handleList)
	protected.PATCH("/records/:remote_id", handler.handleUpdate)
	protected.DELETE("/records/:remote_id", handler.handleRemove)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens  TokenValidator
	records RecordService
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	userID, category := h.scope(c)

	var request remote.CreateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}
	localID, err := records.NewLocalID(request.LocalID.String())
	if err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_local_id", Message: err.Error()})
		return
	}

	result, err := h.records.Create(c.Request.Context(), userID, category, localID, request.Payload)
	if err != nil {
		h.writeServiceError(c, "create", err)
		return
	}
	status := http.StatusCreated
	if result.Status == remote.BulkStatusSkipped {
		status = http.StatusOK
	}
	c.JSON(status, remote.CreateResponse{RemoteID: result.RemoteID, Status: result.Status})
}

func (h *httpHandler) handleBulkCreate(c *gin.Context) {
	userID, category := h.scope(c)

	var request remote.BulkCreateRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Items) == 0 {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_request"})
		return
	}
	for index, item := range request.Items {
		localID, err := records.NewLocalID(item.LocalID.String())
		if err != nil {
			c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_local_id", Message: err.Error()})
			return
		}
		request.Items[index].LocalID = localID
	}

	results, err := h.records.BulkCreate(c.Request.Context(), userID, category, request.Items)
	if err != nil {
		h.writeServiceError(c, "bulk_create", err)
		return
	}
	c.JSON(http.StatusOK, remote.BulkCreateResponse{Results: results})
}

func (h *httpHandler) handleList(c *gin.Context) {
	userID, category := h.scope(c)

	var since *time.Time
	if raw := strings.TrimSpace(c.Query("updated_since_ms")); raw != "" {
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || millis < 0 {
			c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_updated_since"})
			return
		}
		value := time.UnixMilli(millis).UTC()
		since = &value
	}

	listed, err := h.records.List(c.Request.Context(), userID, category, since)
	if err != nil {
		h.writeServiceError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, remote.ListResponse{Records: listed})
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	userID, category := h.scope(c)

	remoteID, err := records.NewRemoteID(c.Param("remote_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_remote_id"})
		return
	}
	var patch records.Patch
	if err := c.ShouldBindJSON(&patch); err != nil || patch.IsEmpty() {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_patch"})
		return
	}

	updated, err := h.records.Update(c.Request.Context(), userID, category, remoteID, patch)
	if err != nil {
		h.writeServiceError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleRemove(c *gin.Context) {
	userID, category := h.scope(c)

	remoteID, err := records.NewRemoteID(c.Param("remote_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_remote_id"})
		return
	}
	if err := h.records.Remove(c.Request.Context(), userID, category, remoteID); err != nil {
		h.writeServiceError(c, "remove", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized", Message: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized"})
		return
	}
	userID, err := recordstore.NewUserID(subject)
	if err != nil {
		h.logger.Warn("token subject rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) resolveCategory(c *gin.Context) {
	category, err := records.NewCategory(c.Param("category"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_category"})
		return
	}
	c.Set(categoryContextKey, category)
	c.Next()
}

func (h *httpHandler) scope(c *gin.Context) (recordstore.UserID, records.Category) {
	userID, _ := c.Get(userIDContextKey)
	category, _ := c.Get(categoryContextKey)
	resolvedUser, _ := userID.(recordstore.UserID)
	resolvedCategory, _ := category.(records.Category)
	return resolvedUser, resolvedCategory
}

func (h *httpHandler) writeServiceError(c *gin.Context, action string, err error) {
	code := records.ErrorCode(err)
	switch {
	case errors.Is(err, records.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, remote.ErrorResponse{Error: codeOrDefault(code, "not_found")})
	case recordstore.IsClientError(err):
		c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: codeOrDefault(code, "invalid_request"), Message: err.Error()})
	default:
		h.logger.Error("record request failed", zap.String("action", action), zap.Error(err))
		c.JSON(http.StatusInternalServerError, remote.ErrorResponse{Error: codeOrDefault(code, "internal_error")})
	}
}

func codeOrDefault(code, fallback string) string {
	if code == "" {
		return fallback
	}
	return code
}
