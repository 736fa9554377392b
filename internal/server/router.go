package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/monitors"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/notion"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/notify"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/scheduler"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	tenantIDContextKey = "notionwatch_tenant_id"
	heartbeatInterval  = 25 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingMonitorService = errors.New("monitor service dependency required")
	errMissingIdentities     = errors.New("identity service dependency required")
	errMissingCheckRunner    = errors.New("check runner dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves an admin token to its tenant.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// CheckRunner runs manual monitor checks.
type CheckRunner interface {
	CheckNow(ctx context.Context, monitorID string) (scheduler.CheckReport, error)
	SeedSnapshots(ctx context.Context, tenantID, monitorID string) (int, error)
}

type Dependencies struct {
	TokenValidator TokenValidator
	Monitors       *monitors.Service
	Identities     *identity.Service
	Checks         CheckRunner
	Events         *EventDispatcher
	Metrics        http.Handler
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Monitors == nil {
		return nil, errMissingMonitorService
	}
	if deps.Identities == nil {
		return nil, errMissingIdentities
	}
	if deps.Checks == nil {
		return nil, errMissingCheckRunner
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:     deps.TokenValidator,
		monitors:   deps.Monitors,
		identities: deps.Identities,
		checks:     deps.Checks,
		events:     events,
		logger:     logger,
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/monitors", handler.handleSetup)
	protected.GET("/monitors", handler.handleList)
	protected.GET("/monitors/:id", handler.handleGet)
	protected.PATCH("/monitors/:id", handler.handleUpdate)
	protected.POST("/monitors/:id/channel", handler.handleSetChannel)
	protected.POST("/monitors/:id/start", handler.handleStart)
	protected.POST("/monitors/:id/stop", handler.handleStop)
	protected.POST("/monitors/:id/check", handler.handleCheck)
	protected.POST("/monitors/:id/seed", handler.handleSeed)
	protected.GET("/monitors/:id/schema", handler.handleSchema)
	protected.PUT("/identities", handler.handleIdentity)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens     TokenValidator
	monitors   *monitors.Service
	identities *identity.Service
	checks     CheckRunner
	events     *EventDispatcher
	logger     *zap.Logger
}

type monitorPayload struct {
	ID              string   `json:"id"`
	ChannelID       string   `json:"channel_id"`
	DatabaseID      string   `json:"database_id"`
	IntervalMinutes int      `json:"interval_minutes"`
	SelectedColumns []string `json:"selected_columns"`
	TitleColumn     string   `json:"title_column,omitempty"`
	Active          bool     `json:"active"`
	Watermark       string   `json:"watermark,omitempty"`
	ShowURL         bool     `json:"show_url"`
	ShowContributor bool     `json:"show_contributor"`
	ShowTags        bool     `json:"show_tags"`
	ShowEditTime    bool     `json:"show_edit_time"`
}

func toMonitorPayload(monitor monitors.Monitor) monitorPayload {
	payload := monitorPayload{
		ID:              monitor.ID,
		ChannelID:       monitor.ChannelID,
		DatabaseID:      monitor.SourceCollectionID,
		IntervalMinutes: monitor.IntervalMinutes,
		SelectedColumns: monitor.Columns(),
		TitleColumn:     monitor.TitleColumnName(),
		Active:          monitor.IsActive,
		ShowURL:         monitor.ShowURL,
		ShowContributor: monitor.ShowContributor,
		ShowTags:        monitor.ShowTags,
		ShowEditTime:    monitor.ShowEditTime,
	}
	if monitor.Watermark != nil {
		payload.Watermark = *monitor.Watermark
	}
	return payload
}

type setupRequestPayload struct {
	ChannelID       string   `json:"channel_id"`
	NotionToken     string   `json:"notion_token"`
	DatabaseID      string   `json:"database_id"`
	IntervalMinutes int      `json:"interval_minutes"`
	SelectedColumns []string `json:"selected_columns"`
	TitleColumn     string   `json:"title_column"`
}

type setupResponsePayload struct {
	Monitor         monitorPayload `json:"monitor"`
	Created         bool           `json:"created"`
	SnapshotsPurged int64          `json:"snapshots_purged"`
}

func (h *httpHandler) handleSetup(c *gin.Context) {
	var request setupRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.monitors.Setup(c.Request.Context(), monitors.SetupRequest{
		TenantID:        c.GetString(tenantIDContextKey),
		ChannelID:       request.ChannelID,
		Credential:      request.NotionToken,
		CollectionID:    request.DatabaseID,
		IntervalMinutes: request.IntervalMinutes,
		SelectedColumns: request.SelectedColumns,
		TitleColumn:     request.TitleColumn,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, setupResponsePayload{
		Monitor:         toMonitorPayload(result.Monitor),
		Created:         result.Created,
		SnapshotsPurged: result.SnapshotsPurged,
	})
}

func (h *httpHandler) handleList(c *gin.Context) {
	list, err := h.monitors.ListByTenant(c.Request.Context(), c.GetString(tenantIDContextKey))
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := make([]monitorPayload, 0, len(list))
	for _, monitor := range list {
		payload = append(payload, toMonitorPayload(monitor))
	}
	c.JSON(http.StatusOK, gin.H{"monitors": payload})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	monitor, err := h.monitors.GetForTenant(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMonitorPayload(monitor))
}

type updateRequestPayload struct {
	IntervalMinutes *int      `json:"interval_minutes"`
	SelectedColumns *[]string `json:"selected_columns"`
	TitleColumn     *string   `json:"title_column"`
	ShowURL         *bool     `json:"show_url"`
	ShowContributor *bool     `json:"show_contributor"`
	ShowTags        *bool     `json:"show_tags"`
	ShowEditTime    *bool     `json:"show_edit_time"`
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	var request updateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	monitor, err := h.monitors.Update(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param("id"), monitors.UpdateRequest{
		IntervalMinutes: request.IntervalMinutes,
		SelectedColumns: request.SelectedColumns,
		TitleColumn:     request.TitleColumn,
		ShowURL:         request.ShowURL,
		ShowContributor: request.ShowContributor,
		ShowTags:        request.ShowTags,
		ShowEditTime:    request.ShowEditTime,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMonitorPayload(monitor))
}

type channelRequestPayload struct {
	ChannelID string `json:"channel_id"`
}

func (h *httpHandler) handleSetChannel(c *gin.Context) {
	var request channelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	monitor, err := h.monitors.SetChannel(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param("id"), request.ChannelID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMonitorPayload(monitor))
}

func (h *httpHandler) handleStart(c *gin.Context) {
	monitor, err := h.monitors.Activate(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMonitorPayload(monitor))
}

func (h *httpHandler) handleStop(c *gin.Context) {
	monitor, err := h.monitors.Deactivate(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMonitorPayload(monitor))
}

type checkResponsePayload struct {
	Report  scheduler.CheckReport `json:"report"`
	Message string                `json:"message,omitempty"`
}

func (h *httpHandler) handleCheck(c *gin.Context) {
	monitor, err := h.monitors.GetForTenant(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	report, err := h.checks.CheckNow(c.Request.Context(), monitor.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := checkResponsePayload{Report: report}
	if report.Outcome == scheduler.OutcomeProcessed && report.New == 0 && report.Changed == 0 {
		response.Message = notify.NoUpdatesText
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSeed(c *gin.Context) {
	seeded, err := h.checks.SeedSnapshots(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seeded": seeded})
}

func (h *httpHandler) handleSchema(c *gin.Context) {
	schema, err := h.monitors.DescribeSchema(c.Request.Context(), c.GetString(tenantIDContextKey), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"columns": schema})
}

type identityRequestPayload struct {
	ChannelID      string `json:"channel_id"`
	ExternalUserID string `json:"external_user_id"`
	ChatUserID     string `json:"chat_user_id"`
}

func (h *httpHandler) handleIdentity(c *gin.Context) {
	var request identityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tenantID := c.GetString(tenantIDContextKey)
	if strings.TrimSpace(request.ChatUserID) == "" {
		removed, err := h.identities.Remove(c.Request.Context(), tenantID, request.ChannelID, request.ExternalUserID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !removed {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": true})
		return
	}
	mapping, err := h.identities.Upsert(c.Request.Context(), tenantID, request.ChannelID, request.ExternalUserID, request.ChatUserID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel_id":       mapping.ChannelID,
		"external_user_id": mapping.ExternalUserID,
		"mention":          mapping.DisplayMention,
	})
}

type eventPayload struct {
	Source    string                `json:"source"`
	Report    scheduler.CheckReport `json:"report"`
	Timestamp string                `json:"timestamp"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	tenantID := c.GetString(tenantIDContextKey)
	stream, cleanup := h.events.Subscribe(c.Request.Context(), tenantID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.SSEvent(eventHeartbeat, gin.H{"source": eventSource})
	c.Writer.Flush()
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(eventHeartbeat, gin.H{"source": eventSource})
			return true
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(event.Type, eventPayload{
				Source:    eventSource,
				Report:    event.Report,
				Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "" && c.Request.Method == http.MethodGet:
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	tenantID, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(tenantIDContextKey, tenantID)
	c.Next()
}

type codedError interface {
	Code() string
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	reason := "internal_error"
	switch {
	case errors.Is(err, monitors.ErrConfiguration), errors.Is(err, identity.ErrInvalidIdentity):
		status, reason = http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, monitors.ErrNotFound):
		status, reason = http.StatusNotFound, "not_found"
	case errors.Is(err, scheduler.ErrMonitorInactive):
		status, reason = http.StatusConflict, "monitor_inactive"
	case errors.Is(err, notion.ErrSourceUnavailable):
		status, reason = http.StatusBadGateway, "source_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, reason = http.StatusServiceUnavailable, "interrupted"
	}

	body := gin.H{"error": reason}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("admin request failed",
			zap.String("path", c.FullPath()),
			zap.String("tenant_id", c.GetString(tenantIDContextKey)),
			zap.Error(err))
	} else {
		body["message"] = err.Error()
	}
	c.JSON(status, body)
}
