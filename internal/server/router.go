package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/frames"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/rooms"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const healthCheckTimeout = 2 * time.Second

var (
	errMissingFrameStore  = errors.New("frame store dependency required")
	errMissingCoordinator = errors.New("coordinator dependency required")
	errMissingHub         = errors.New("hub dependency required")
)

// Dependencies wires the HTTP surface.
type Dependencies struct {
	FrameStore     *frames.Store
	Coordinator    *collab.Coordinator
	Hub            *rooms.Hub
	IDProvider     rooms.IDProvider
	Logger         *zap.Logger
	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	AllowedOrigins []string
	WebSocket      WebSocketConfig
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.FrameStore == nil {
		return nil, errMissingFrameStore
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	idProvider := deps.IDProvider
	if idProvider == nil {
		idProvider = rooms.NewUUIDProvider()
	}
	origins := newOriginMatcher(deps.AllowedOrigins)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		frameStore:  deps.FrameStore,
		coordinator: deps.Coordinator,
		hub:         deps.Hub,
		ids:         idProvider,
		logger:      logger,
		metrics:     metrics.OrNoop(deps.Metrics),
		websocket:   deps.WebSocket.withDefaults(),
		upgrader:    newUpgrader(origins),
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	router.GET("/ws", handler.handleWebSocket)

	api := router.Group("/api")
	api.GET("/flipbooks", handler.handleListFlipbooks)
	api.GET("/flipbooks/:flipbookId", handler.handleGetFlipbook)
	api.DELETE("/flipbooks/:flipbookId", handler.handleDeleteFlipbook)
	api.POST("/flipbooks/:flipbookId/rename", handler.handleRenameFlipbook)
	api.GET("/flipbooks/:flipbookId/frames", handler.handleListFrames)
	api.GET("/flipbooks/:flipbookId/frames/:frameIndex", handler.handleGetFrame)
	api.PUT("/flipbooks/:flipbookId/frames/:frameIndex", handler.handleUpsertFrame)
	api.DELETE("/flipbooks/:flipbookId/frames/:frameIndex", handler.handleDeleteFrame)

	return router, nil
}

type originMatcher struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginMatcher(origins []string) originMatcher {
	matcher := originMatcher{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			matcher.allowAll = true
			continue
		}
		matcher.allowed[strings.ToLower(trimmed)] = struct{}{}
	}
	if len(matcher.allowed) == 0 {
		matcher.allowAll = true
	}
	return matcher
}

func (matcher originMatcher) allows(origin string) bool {
	if matcher.allowAll {
		return true
	}
	_, ok := matcher.allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}

func corsMiddleware(origins originMatcher) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: origins.allows,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type", "Accept", "Origin"},
		MaxAge:          12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("http request failed", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

type httpHandler struct {
	frameStore  *frames.Store
	coordinator *collab.Coordinator
	hub         *rooms.Hub
	ids         rooms.IDProvider
	logger      *zap.Logger
	metrics     metrics.Recorder
	websocket   WebSocketConfig
	upgrader    websocket.Upgrader
}

type flipbookSummaryPayload struct {
	FlipbookID  string    `json:"flipbookId"`
	FrameCount  int64     `json:"frameCount"`
	LastUpdated time.Time `json:"lastUpdated"`
	CreatedAt   time.Time `json:"createdAt"`
}

type flipbookListResponse struct {
	Flipbooks []flipbookSummaryPayload `json:"flipbooks"`
}

type frameListResponse struct {
	FlipbookID string                `json:"flipbookId"`
	Frames     []collab.FramePayload `json:"frames"`
}

type renameRequestPayload struct {
	NewID string `json:"newId"`
}

type upsertFrameRequestPayload struct {
	DrawingData json.RawMessage `json:"drawingData"`
	CreatedBy   string          `json:"createdBy"`
}

func newSummaryPayload(summary frames.FlipbookSummary) flipbookSummaryPayload {
	return flipbookSummaryPayload{
		FlipbookID:  summary.FlipbookID,
		FrameCount:  summary.FrameCount,
		LastUpdated: summary.LastUpdated.UTC(),
		CreatedAt:   summary.CreatedAt.UTC(),
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()
	connections := 0
	if h.hub != nil {
		connections = h.hub.ConnectionCount()
	}
	if err := h.frameStore.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "connections": connections})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": connections})
}

func (h *httpHandler) handleListFlipbooks(c *gin.Context) {
	summaries, err := h.frameStore.ListFlipbookSummaries(c.Request.Context())
	if err != nil {
		h.storeFailed(c, "list_flipbooks_failed", err)
		return
	}
	response := flipbookListResponse{Flipbooks: make([]flipbookSummaryPayload, 0, len(summaries))}
	for _, summary := range summaries {
		response.Flipbooks = append(response.Flipbooks, newSummaryPayload(summary))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetFlipbook(c *gin.Context) {
	flipbookID, ok := h.flipbookParam(c)
	if !ok {
		return
	}
	summary, err := h.frameStore.GetFlipbookSummary(c.Request.Context(), flipbookID)
	if err != nil {
		h.storeFailed(c, "get_flipbook_failed", err)
		return
	}
	c.JSON(http.StatusOK, newSummaryPayload(summary))
}

func (h *httpHandler) handleDeleteFlipbook(c *gin.Context) {
	flipbookID, ok := h.flipbookParam(c)
	if !ok {
		return
	}
	removed, err := h.coordinator.DeleteFlipbook(c.Request.Context(), flipbookID)
	if err != nil {
		h.respondStoreError(c, "delete_flipbook_failed", err)
		return
	}
	c.JSON(http.StatusOK, collab.FlipbookDeletedPayload{FlipbookID: flipbookID.String(), DeletedFrames: removed})
}

func (h *httpHandler) handleRenameFlipbook(c *gin.Context) {
	oldID, ok := h.flipbookParam(c)
	if !ok {
		return
	}
	var request renameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	newID, err := frames.NewFlipbookID(request.NewID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_new_id"})
		return
	}
	if newID == oldID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "same_flipbook_id"})
		return
	}

	renamed, err := h.coordinator.RenameFlipbook(c.Request.Context(), oldID, newID)
	if err != nil {
		h.respondStoreError(c, "rename_flipbook_failed", err)
		return
	}
	c.JSON(http.StatusOK, collab.FlipbookRenamedPayload{OldID: oldID.String(), NewID: newID.String(), RenamedFrames: renamed})
}

func (h *httpHandler) handleListFrames(c *gin.Context) {
	flipbookID, ok := h.flipbookParam(c)
	if !ok {
		return
	}
	stored, err := h.frameStore.ListFrames(c.Request.Context(), flipbookID)
	if err != nil {
		h.storeFailed(c, "list_frames_failed", err)
		return
	}
	response := frameListResponse{FlipbookID: flipbookID.String(), Frames: make([]collab.FramePayload, 0, len(stored))}
	for _, frame := range stored {
		response.Frames = append(response.Frames, collab.NewFramePayload(frame))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGetFrame(c *gin.Context) {
	flipbookID, frameIndex, ok := h.frameParams(c)
	if !ok {
		return
	}
	frame, err := h.frameStore.GetFrame(c.Request.Context(), flipbookID, frameIndex)
	if err != nil {
		h.storeFailed(c, "get_frame_failed", err)
		return
	}
	c.JSON(http.StatusOK, collab.NewFramePayload(frame))
}

func (h *httpHandler) handleUpsertFrame(c *gin.Context) {
	flipbookID, frameIndex, ok := h.frameParams(c)
	if !ok {
		return
	}
	var request upsertFrameRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	drawing, err := frames.NewDrawingData(request.DrawingData)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_drawing_data"})
		return
	}
	frame, err := h.frameStore.UpsertFrame(c.Request.Context(), frames.UpsertRequest{
		FlipbookID:  flipbookID,
		FrameIndex:  frameIndex,
		DrawingData: drawing,
		CreatedBy:   frames.NormalizeAuthor(request.CreatedBy, frames.AnonymousAuthor),
	})
	if err != nil {
		h.storeFailed(c, "upsert_frame_failed", err)
		return
	}
	c.JSON(http.StatusOK, collab.NewFramePayload(frame))
}

func (h *httpHandler) handleDeleteFrame(c *gin.Context) {
	flipbookID, frameIndex, ok := h.frameParams(c)
	if !ok {
		return
	}
	deleted, err := h.frameStore.DeleteFrame(c.Request.Context(), flipbookID, frameIndex)
	if err != nil {
		h.storeFailed(c, "delete_frame_failed", err)
		return
	}
	c.JSON(http.StatusOK, collab.FrameDeletedPayload{FlipbookID: flipbookID.String(), FrameIndex: frameIndex.Int(), Deleted: deleted})
}

func (h *httpHandler) flipbookParam(c *gin.Context) (frames.FlipbookID, bool) {
	flipbookID, err := frames.NewFlipbookID(c.Param("flipbookId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_flipbook_id"})
		return "", false
	}
	return flipbookID, true
}

func (h *httpHandler) frameParams(c *gin.Context) (frames.FlipbookID, frames.FrameIndex, bool) {
	flipbookID, ok := h.flipbookParam(c)
	if !ok {
		return "", 0, false
	}
	frameIndex, err := frames.ParseFrameIndex(c.Param("frameIndex"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_frame_index"})
		return "", 0, false
	}
	return flipbookID, frameIndex, true
}

// storeFailed records a failed direct store call before responding.
func (h *httpHandler) storeFailed(c *gin.Context, fallback string, err error) {
	var storeErr *frames.StoreError
	if errors.As(err, &storeErr) && !isClientFacingStoreError(err) {
		metrics.OrNoop(h.metrics).StoreFailure(storeErr.Code())
	}
	h.respondStoreError(c, fallback, err)
}

func isClientFacingStoreError(err error) bool {
	return errors.Is(err, frames.ErrFrameNotFound) ||
		errors.Is(err, frames.ErrFlipbookNotFound) ||
		errors.Is(err, frames.ErrFlipbookExists) ||
		errors.Is(err, frames.ErrSameFlipbookID) ||
		errors.Is(err, frames.ErrInvalidFlipbookID) ||
		errors.Is(err, frames.ErrInvalidFrameIndex) ||
		errors.Is(err, frames.ErrInvalidDrawingData)
}

func (h *httpHandler) respondStoreError(c *gin.Context, fallback string, err error) {
	switch {
	case errors.Is(err, frames.ErrFrameNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "frame_not_found"})
		return
	case errors.Is(err, frames.ErrFlipbookNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "flipbook_not_found"})
		return
	case errors.Is(err, frames.ErrFlipbookExists):
		c.JSON(http.StatusConflict, gin.H{"error": "flipbook_exists"})
		return
	case errors.Is(err, frames.ErrSameFlipbookID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "same_flipbook_id"})
		return
	case errors.Is(err, frames.ErrInvalidFlipbookID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_flipbook_id"})
		return
	case errors.Is(err, frames.ErrInvalidFrameIndex):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_frame_index"})
		return
	case errors.Is(err, frames.ErrInvalidDrawingData):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_drawing_data"})
		return
	}

	h.logger.Error("frame store request failed", zap.String("error_kind", fallback), zap.Error(err))
	var storeErr *frames.StoreError
	if errors.As(err, &storeErr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback, "code": storeErr.Code()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}
