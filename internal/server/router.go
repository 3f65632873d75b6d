package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/polysleep/internal/auth"
	"github.com/MarcoPoloResearchLab/polysleep/internal/schedules"
)

const (
	subjectContextKey        = "polysleep_subject"
	accessTokenQueryKey      = "access_token"
	languageQueryKey         = "lang"
	includeDeletedQueryKey   = "include_deleted"
	scheduleIDParam          = "id"
	defaultLanguage          = "en"
	defaultHeartbeatInterval = 25 * time.Second

	errorInvalidRequest  = "invalid_request"
	errorInvalidData     = "invalid_data"
	errorNotFound        = "not_found"
	errorUndoUnavailable = "undo_unavailable"
	errorInternal        = "internal_error"
	errorUnauthorized    = "unauthorized"
)

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingScheduleService = errors.New("schedule service dependency required")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	TokenManager      TokenValidator
	Schedules         *schedules.Service
	Realtime          *RealtimeDispatcher
	MetricsHandler    http.Handler
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Schedules == nil {
		return nil, errMissingScheduleService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:            deps.TokenManager,
		schedules:         deps.Schedules,
		realtime:          realtime,
		logger:            logger,
		heartbeatInterval: heartbeat,
	}

	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/schedules", handler.handleListSchedules)
	protected.POST("/schedules", handler.handleCreateSchedule)
	protected.GET("/schedules/active", handler.handleActiveSchedule)
	protected.POST("/schedules/deactivate", handler.handleDeactivateAll)
	protected.GET("/schedules/:id", handler.handleGetSchedule)
	protected.PUT("/schedules/:id", handler.handleUpdateSchedule)
	protected.DELETE("/schedules/:id", handler.handleDeleteSchedule)
	protected.POST("/schedules/:id/activate", handler.handleActivateSchedule)
	protected.GET("/schedules/:id/phase", handler.handleSchedulePhase)
	protected.GET("/undo", handler.handleUndoStatus)
	protected.POST("/undo", handler.handleApplyUndo)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", "Accept-Language"},
		MaxAge:          12 * time.Hour,
	})
}

type httpHandler struct {
	tokens            TokenValidator
	schedules         *schedules.Service
	realtime          *RealtimeDispatcher
	logger            *zap.Logger
	heartbeatInterval time.Duration
}

func (h *httpHandler) handleListSchedules(c *gin.Context) {
	includeDeleted, err := strconv.ParseBool(c.DefaultQuery(includeDeletedQueryKey, "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest, "code": errorInvalidRequest})
		return
	}
	found, err := h.schedules.FetchAllSchedules(c.Request.Context(), includeDeleted)
	if err != nil {
		h.respondError(c, err)
		return
	}
	language := requestLanguage(c)
	response := make([]schedulePayload, 0, len(found))
	for _, schedule := range found {
		response = append(response, newSchedulePayload(schedule, language))
	}
	c.JSON(http.StatusOK, gin.H{"schedules": response})
}

func (h *httpHandler) handleCreateSchedule(c *gin.Context) {
	draft, ok := h.bindDraft(c)
	if !ok {
		return
	}
	created, err := h.schedules.Create(c.Request.Context(), draft)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.PublishSchedules(RealtimeEventScheduleChanged, created.ID().String())
	c.JSON(http.StatusCreated, newSchedulePayload(created, requestLanguage(c)))
}

func (h *httpHandler) handleGetSchedule(c *gin.Context) {
	scheduleID, ok := h.scheduleID(c)
	if !ok {
		return
	}
	schedule, err := h.schedules.FetchByID(c.Request.Context(), scheduleID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSchedulePayload(schedule, requestLanguage(c)))
}

func (h *httpHandler) handleUpdateSchedule(c *gin.Context) {
	scheduleID, ok := h.scheduleID(c)
	if !ok {
		return
	}
	draft, ok := h.bindDraft(c)
	if !ok {
		return
	}
	updated, err := h.schedules.Update(c.Request.Context(), scheduleID, draft)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.PublishSchedules(RealtimeEventScheduleChanged, updated.ID().String())
	c.JSON(http.StatusOK, newSchedulePayload(updated, requestLanguage(c)))
}

func (h *httpHandler) handleDeleteSchedule(c *gin.Context) {
	scheduleID, ok := h.scheduleID(c)
	if !ok {
		return
	}
	if err := h.schedules.SoftDelete(c.Request.Context(), scheduleID); err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.PublishSchedules(RealtimeEventScheduleChanged, scheduleID.String())
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleActivateSchedule(c *gin.Context) {
	scheduleID, ok := h.scheduleID(c)
	if !ok {
		return
	}
	result, err := h.schedules.Activate(c.Request.Context(), scheduleID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if result.Changed {
		h.realtime.PublishSchedules(RealtimeEventScheduleActivated, scheduleID.String(), result.Replaced.String())
	}
	c.JSON(http.StatusOK, activationPayload{
		Schedule: newSchedulePayload(result.Schedule, requestLanguage(c)),
		Replaced: result.Replaced.String(),
		Changed:  result.Changed,
	})
}

func (h *httpHandler) handleDeactivateAll(c *gin.Context) {
	if err := h.schedules.DeactivateAll(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.PublishSchedules(RealtimeEventDeactivated)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleActiveSchedule(c *gin.Context) {
	active, err := h.schedules.GetActiveSchedule(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if active == nil {
		c.JSON(http.StatusOK, gin.H{"schedule": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": newSchedulePayload(*active, requestLanguage(c))})
}

func (h *httpHandler) handleSchedulePhase(c *gin.Context) {
	scheduleID, ok := h.scheduleID(c)
	if !ok {
		return
	}
	progress, err := h.schedules.AdaptationProgress(c.Request.Context(), scheduleID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newProgressPayload(progress))
}

func (h *httpHandler) handleUndoStatus(c *gin.Context) {
	pending, err := h.schedules.PendingUndo(c.Request.Context())
	if errors.Is(err, schedules.ErrUndoUnavailable) {
		c.JSON(http.StatusOK, undoPayload{Available: false})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, undoPayload{
		Available:        true,
		ScheduleID:       pending.ScheduleID.String(),
		ReplacedBy:       pending.ReplacedBy.String(),
		ChangedAtSeconds: pending.ChangedAt.Unix(),
		PreviousPhase:    pending.PreviousPhase,
	})
}

func (h *httpHandler) handleApplyUndo(c *gin.Context) {
	restored, err := h.schedules.Undo(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.realtime.PublishSchedules(RealtimeEventScheduleRestored, restored.ID().String())
	c.JSON(http.StatusOK, newSchedulePayload(restored, requestLanguage(c)))
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, newEventPayload(message))
			return true
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized, "code": errorUnauthorized})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorUnauthorized, "code": errorUnauthorized})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func (h *httpHandler) bindDraft(c *gin.Context) (schedules.Draft, bool) {
	var request scheduleRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorInvalidRequest, "code": errorInvalidRequest})
		return schedules.Draft{}, false
	}
	draft, err := request.draft()
	if err != nil {
		h.respondError(c, err)
		return schedules.Draft{}, false
	}
	return draft, true
}

func (h *httpHandler) scheduleID(c *gin.Context) (schedules.ScheduleID, bool) {
	scheduleID, err := schedules.NewScheduleID(c.Param(scheduleIDParam))
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	return scheduleID, true
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, label := classifyError(err)
	code := label
	var serviceErr *schedules.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": label, "code": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, schedules.ErrInvalidData):
		return http.StatusBadRequest, errorInvalidData
	case errors.Is(err, schedules.ErrEntityNotFound):
		return http.StatusNotFound, errorNotFound
	case errors.Is(err, schedules.ErrUndoUnavailable):
		return http.StatusConflict, errorUndoUnavailable
	default:
		return http.StatusInternalServerError, errorInternal
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query(accessTokenQueryKey))
}

func requestLanguage(c *gin.Context) string {
	if language := strings.TrimSpace(c.Query(languageQueryKey)); language != "" {
		return language
	}
	if language := strings.TrimSpace(c.GetHeader("Accept-Language")); language != "" {
		return language
	}
	return defaultLanguage
}
