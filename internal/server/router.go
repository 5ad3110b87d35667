package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/auth"
	"github.com/MarcoPoloResearchLab/sitemap/internal/sitemap"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	editorIDContextKey = "sitemap_editor_id"
	serviceName        = "sitemap-api"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingEditorResolver   = errors.New("editor resolver dependency required")
	errMissingSitemapService   = errors.New("sitemap service dependency required")
	errMissingClipboardStore   = errors.New("clipboard store dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type EditorResolver interface {
	ResolveEditorID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

type ClipboardStore interface {
	LoadClipboard(ctx context.Context, editorID string) (sitemap.ClipboardState, error)
	SaveClipboard(ctx context.Context, editorID string, state sitemap.ClipboardState) error
	DeleteClipboard(ctx context.Context, editorID string) error
}

// SitemapService is the engine surface served over HTTP.
type SitemapService interface {
	GetChildren(ctx context.Context, entryPoint, rootPath string, opts sitemap.LoadOptions) (sitemap.TreeView, error)
	GetEntry(ctx context.Context, entryPoint, nodePath string) (sitemap.NodeView, error)
	Save(ctx context.Context, request sitemap.RequestContext, entryPoint string, change sitemap.Change) (sitemap.ApplyResult, error)
	CreateSubtree(ctx context.Context, request sitemap.RequestContext, entryPoint, nodePath string) (sitemap.SplitResult, error)
	MergeSubtree(ctx context.Context, request sitemap.RequestContext, entryPoint, nodePath string) (sitemap.MergeResult, error)
	GetBrokenLinks(ctx context.Context, closingID string, openIDs, closedIDs []string) (sitemap.BrokenLinkReport, error)
	Prefetch(ctx context.Context, request sitemap.RequestContext, rootPath string) (sitemap.PrefetchResult, error)
	Clipboard(ctx context.Context, request sitemap.RequestContext) sitemap.ClipboardState
}

type Dependencies struct {
	Sessions       SessionValidator
	Editors        EditorResolver
	Sitemap        SitemapService
	Clipboards     ClipboardStore
	Realtime       *RealtimeDispatcher
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Editors == nil {
		return nil, errMissingEditorResolver
	}
	if deps.Sitemap == nil {
		return nil, errMissingSitemapService
	}
	if deps.Clipboards == nil {
		return nil, errMissingClipboardStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		editors:    deps.Editors,
		sitemap:    deps.Sitemap,
		clipboards: deps.Clipboards,
		realtime:   realtime,
		logger:     logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/sitemap")
	protected.Use(handler.authorizeRequest)
	protected.GET("/children", handler.handleGetChildren)
	protected.GET("/entry", handler.handleGetEntry)
	protected.GET("/prefetch", handler.handlePrefetch)
	protected.GET("/events", handler.handleEvents)
	protected.GET("/clipboard", handler.handleGetClipboard)
	protected.DELETE("/clipboard", handler.handleClearClipboard)
	protected.POST("/save", handler.handleSave)
	protected.POST("/subtrees", handler.handleCreateSubtree)
	protected.POST("/subtrees/merge", handler.handleMergeSubtree)
	protected.POST("/broken-links", handler.handleBrokenLinks)

	return router, nil
}

// corsMiddleware admits credentialed requests from the listed origins, or from any origin when
// none are listed.
func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		config.AllowOrigins = allowedOrigins
	} else {
		config.AllowOriginFunc = func(string) bool { return true }
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions   SessionValidator
	editors    EditorResolver
	sitemap    SitemapService
	clipboards ClipboardStore
	realtime   *RealtimeDispatcher
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: errorCodeUnauthorized})
		return
	}
	editorID, err := h.editors.ResolveEditorID(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("editor resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorPayload{Error: errorCodeInternal})
		return
	}
	c.Set(editorIDContextKey, editorID)
	c.Next()
}

func (h *httpHandler) handleGetChildren(c *gin.Context) {
	var query childrenQuery
	if err := c.ShouldBindQuery(&query); err != nil || query.Validate() != nil {
		respondInvalidRequest(c)
		return
	}
	tree, err := h.sitemap.GetChildren(c.Request.Context(), query.EntryPoint, query.Root, query.options())
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tree": newTreePayload(tree)})
}

func (h *httpHandler) handleGetEntry(c *gin.Context) {
	var query entryQuery
	if err := c.ShouldBindQuery(&query); err != nil || query.Validate() != nil {
		respondInvalidRequest(c)
		return
	}
	view, err := h.sitemap.GetEntry(c.Request.Context(), query.EntryPoint, query.Path)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": newNodePayload(view)})
}

func (h *httpHandler) handlePrefetch(c *gin.Context) {
	var query prefetchQuery
	if err := c.ShouldBindQuery(&query); err != nil || query.Validate() != nil {
		respondInvalidRequest(c)
		return
	}
	request := h.loadRequestContext(c)
	result, err := h.sitemap.Prefetch(c.Request.Context(), request, query.Root)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.persistClipboard(c, request)
	c.JSON(http.StatusOK, newPrefetchPayload(result))
}

func (h *httpHandler) handleGetClipboard(c *gin.Context) {
	request := h.loadRequestContext(c)
	state := h.sitemap.Clipboard(c.Request.Context(), request)
	h.persistClipboard(c, request)
	c.JSON(http.StatusOK, newClipboardPayload(state))
}

func (h *httpHandler) handleClearClipboard(c *gin.Context) {
	editorID := c.GetString(editorIDContextKey)
	if err := h.clipboards.DeleteClipboard(c.Request.Context(), editorID); err != nil {
		h.logger.Error("failed to clear clipboard", zap.String("editor_id", editorID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: errorCodeInternal})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSave(c *gin.Context) {
	var payload saveRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Validate() != nil {
		respondInvalidRequest(c)
		return
	}
	change, err := payload.Change.toChange()
	if err != nil {
		respondInvalidRequest(c)
		return
	}

	request := h.loadRequestContext(c)
	result, err := h.sitemap.Save(c.Request.Context(), request, payload.EntryPoint, change)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.persistClipboard(c, request)
	h.publishChange(payload.EntryPoint, request.EditorID, append(append([]string(nil), result.Modified...), result.Deleted...))

	response := saveResponsePayload{
		Modified:  nonNil(result.Modified),
		Deleted:   nonNil(result.Deleted),
		Clipboard: newClipboardPayload(*request.Clipboard),
	}
	if result.Node != nil {
		node := newNodePayload(*result.Node)
		response.Node = &node
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateSubtree(c *gin.Context) {
	var payload subtreeRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Validate() != nil {
		respondInvalidRequest(c)
		return
	}
	request := h.loadRequestContext(c)
	result, err := h.sitemap.CreateSubtree(c.Request.Context(), request, payload.EntryPoint, payload.Path)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.persistClipboard(c, request)
	h.publishChange(payload.EntryPoint, request.EditorID, append(relocatedIDs(result.Relocated), result.SubtreeRootID))

	c.JSON(http.StatusOK, splitResponsePayload{
		SubtreeRootID: result.SubtreeRootID,
		SubtreePath:   result.SubtreePath,
		TimestampMs:   timestampMillis(result.Timestamp),
		Clipboard:     newClipboardPayload(*request.Clipboard),
	})
}

func (h *httpHandler) handleMergeSubtree(c *gin.Context) {
	var payload subtreeRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Validate() != nil {
		respondInvalidRequest(c)
		return
	}
	request := h.loadRequestContext(c)
	result, err := h.sitemap.MergeSubtree(c.Request.Context(), request, payload.EntryPoint, payload.Path)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	h.persistClipboard(c, request)

	children := make([]nodePayload, 0, len(result.MergedChildren))
	changed := relocatedIDs(result.Relocated)
	for _, child := range result.MergedChildren {
		children = append(children, newNodePayload(child))
		changed = append(changed, child.ID)
	}
	h.publishChange(payload.EntryPoint, request.EditorID, changed)

	c.JSON(http.StatusOK, mergeResponsePayload{
		MergedChildren: children,
		TimestampMs:    timestampMillis(result.Timestamp),
		Clipboard:      newClipboardPayload(*request.Clipboard),
	})
}

func (h *httpHandler) handleBrokenLinks(c *gin.Context) {
	var payload brokenLinksRequestPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.Validate() != nil {
		respondInvalidRequest(c)
		return
	}
	report, err := h.sitemap.GetBrokenLinks(c.Request.Context(), payload.ClosingID, payload.OpenIDs, payload.ClosedIDs)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBrokenLinksPayload(report))
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	var query eventsQuery
	if err := c.ShouldBindQuery(&query); err != nil || query.Validate() != nil {
		respondInvalidRequest(c)
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, query.EntryPoint)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				EntryPoint:  message.EntryPoint,
				NodeIDs:     message.NodeIDs,
				EditorID:    message.EditorID,
				TimestampMs: timestampMillis(message.Timestamp),
				Source:      realtimeSourceBackend,
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				EntryPoint:    query.EntryPoint,
				TimestampMs:   timestampMillis(tick),
				Source:        realtimeSourceBackend,
				HeartbeatOnly: true,
			})
			return true
		}
	})
}

// loadRequestContext returns the editor identity with the stored clipboard. A clipboard that
// cannot be read starts empty.
func (h *httpHandler) loadRequestContext(c *gin.Context) sitemap.RequestContext {
	editorID := c.GetString(editorIDContextKey)
	state, err := h.clipboards.LoadClipboard(c.Request.Context(), editorID)
	if err != nil {
		h.logger.Warn("failed to load clipboard", zap.String("editor_id", editorID), zap.Error(err))
		state = sitemap.ClipboardState{}
	}
	return sitemap.RequestContext{EditorID: editorID, Clipboard: &state}
}

func (h *httpHandler) persistClipboard(c *gin.Context, request sitemap.RequestContext) {
	if request.Clipboard == nil {
		return
	}
	if err := h.clipboards.SaveClipboard(c.Request.Context(), request.EditorID, *request.Clipboard); err != nil {
		h.logger.Warn("failed to save clipboard", zap.String("editor_id", request.EditorID), zap.Error(err))
	}
}

func (h *httpHandler) publishChange(entryPoint, editorID string, nodeIDs []string) {
	ids := collectChangedNodeIDs(nodeIDs)
	if len(ids) == 0 {
		return
	}
	h.realtime.Publish(RealtimeMessage{
		EntryPoint: entryPoint,
		EventType:  RealtimeEventSitemapChanged,
		EditorID:   editorID,
		NodeIDs:    ids,
		Timestamp:  time.Now().UTC(),
	})
}

// collectChangedNodeIDs returns the sorted, distinct, non-empty ids.
func collectChangedNodeIDs(nodeIDs []string) []string {
	var ids []string
	for _, id := range nodeIDs {
		if id == "" || slices.Contains(ids, id) {
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func relocatedIDs(relocated map[string]string) []string {
	ids := make([]string, 0, len(relocated))
	for oldID := range relocated {
		ids = append(ids, oldID)
	}
	return ids
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
