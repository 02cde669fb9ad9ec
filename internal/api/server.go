// Package api exposes the kernel manager to editor plugins over HTTP and
// a per-kernel websocket stream.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t9md/hydrogen/internal/common/config"
	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/httpmw"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/events/bus"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/kernelspec"
	"github.com/t9md/hydrogen/internal/kernel/manager"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

const serverName = "hydrogen-api"

// SpecCatalog lists kernel specs.
type SpecCatalog interface {
	All() []kernelspec.Spec
	Refresh() error
	EditorLanguage(kernelLanguage string) string
}

// specView is a kernel spec with the editor language it serves.
type specView struct {
	kernelspec.Spec
	EditorLanguage string `json:"editor_language"`
}

// Handlers serves the kernel API.
type Handlers struct {
	manager        *manager.Manager
	specs          SpecCatalog
	prompts        *kernel.PromptBroker
	bus            bus.EventBus
	requestTimeout time.Duration
	logger         *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(mgr *manager.Manager, specs SpecCatalog, prompts *kernel.PromptBroker, eventBus bus.EventBus, cfg config.ServerConfig, log *logger.Logger) *Handlers {
	timeout := cfg.RequestTimeoutDuration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handlers{
		manager:        mgr,
		specs:          specs,
		prompts:        prompts,
		bus:            eventBus,
		requestTimeout: timeout,
		logger:         log.WithFields(zap.String("component", "api")),
	}
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(h *Handlers, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestID())
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	RegisterRoutes(router, h)
	return router
}

// RegisterRoutes mounts the API on router.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", h.httpHealth)

	api := router.Group("/api/v1")
	api.GET("/kernelspecs", h.httpListSpecs)
	api.POST("/kernelspecs/refresh", h.httpRefreshSpecs)

	api.GET("/kernels", h.httpListKernels)
	api.POST("/kernels", h.httpStartKernel)
	api.POST("/kernels/attach", h.httpAttachKernel)
	api.DELETE("/kernels/:language", h.httpDestroyKernel)
	api.POST("/kernels/:language/interrupt", h.httpInterrupt)
	api.POST("/kernels/:language/restart", h.httpRestart)
	api.POST("/kernels/:language/shutdown", h.httpShutdown)
	api.POST("/kernels/:language/complete", h.httpComplete)
	api.POST("/kernels/:language/inspect", h.httpInspect)

	api.GET("/kernels/:language/watches", h.httpListWatches)
	api.POST("/kernels/:language/watches", h.httpAddWatch)
	api.DELETE("/kernels/:language/watches", h.httpRemoveWatch)
	api.DELETE("/kernels/:language/watches/:index", h.httpRemoveWatch)

	api.GET("/kernels/:language/stream", h.wsStream)
}

// writeError answers with the status an AppError carries. Unexpected errors
// are logged and reported as 500.
func (h *Handlers) writeError(c *gin.Context, err error, action string) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("action", action), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "kernels": len(h.manager.List())})
}

func (h *Handlers) httpListSpecs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kernelspecs": h.specViews()})
}

func (h *Handlers) httpRefreshSpecs(c *gin.Context) {
	if err := h.specs.Refresh(); err != nil {
		h.writeError(c, apperrors.Wrap(err, "failed to refresh kernelspecs"), "refresh_specs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"kernelspecs": h.specViews()})
}

func (h *Handlers) specViews() []specView {
	specs := h.specs.All()
	views := make([]specView, len(specs))
	for i, spec := range specs {
		views[i] = specView{Spec: spec, EditorLanguage: h.specs.EditorLanguage(spec.Language)}
	}
	return views
}

func (h *Handlers) httpListKernels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"kernels": h.manager.List()})
}

type startKernelRequest struct {
	Language string `json:"language" binding:"required"`
	Cwd      string `json:"cwd"`
}

func (h *Handlers) httpStartKernel(c *gin.Context) {
	var req startKernelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	k, err := h.manager.Start(c.Request.Context(), req.Language, req.Cwd)
	if err != nil {
		h.writeError(c, err, "start_kernel")
		return
	}
	c.JSON(http.StatusOK, manager.InfoFor(req.Language, k))
}

type attachKernelRequest struct {
	Language       string `json:"language" binding:"required"`
	ConnectionFile string `json:"connection_file" binding:"required"`
}

func (h *Handlers) httpAttachKernel(c *gin.Context) {
	var req attachKernelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	k, err := h.manager.Attach(c.Request.Context(), req.Language, req.ConnectionFile)
	if err != nil {
		h.writeError(c, err, "attach_kernel")
		return
	}
	c.JSON(http.StatusOK, manager.InfoFor(req.Language, k))
}

func (h *Handlers) httpDestroyKernel(c *gin.Context) {
	if err := h.manager.Destroy(c.Param("language")); err != nil {
		h.writeError(c, err, "destroy_kernel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) httpInterrupt(c *gin.Context) {
	if err := h.manager.Interrupt(c.Request.Context(), c.Param("language")); err != nil {
		h.writeError(c, err, "interrupt")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) httpRestart(c *gin.Context) {
	ok, err := h.manager.Restart(c.Request.Context(), c.Param("language"))
	if err != nil {
		h.writeError(c, err, "restart")
		return
	}
	c.JSON(http.StatusOK, gin.H{"restarted": ok})
}

func (h *Handlers) httpShutdown(c *gin.Context) {
	k, err := h.manager.Get(c.Param("language"))
	if err != nil {
		h.writeError(c, err, "shutdown")
		return
	}
	if err := k.Shutdown(false); err != nil {
		h.writeError(c, err, "shutdown")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type completeRequest struct {
	Code string `json:"code"`
}

func (h *Handlers) httpComplete(c *gin.Context) {
	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	k, err := h.manager.Get(c.Param("language"))
	if err != nil {
		h.writeError(c, err, "complete")
		return
	}
	h.awaitReply(c, k, "complete", func(handler protocol.Handler) (string, error) {
		return k.Complete(c.Request.Context(), req.Code, handler)
	})
}

type inspectRequest struct {
	Code      string `json:"code"`
	CursorPos *int   `json:"cursor_pos"`
}

func (h *Handlers) httpInspect(c *gin.Context) {
	var req inspectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	cursor := len([]rune(req.Code))
	if req.CursorPos != nil {
		cursor = *req.CursorPos
	}
	k, err := h.manager.Get(c.Param("language"))
	if err != nil {
		h.writeError(c, err, "inspect")
		return
	}
	h.awaitReply(c, k, "inspect", func(handler protocol.Handler) (string, error) {
		return k.Inspect(c.Request.Context(), req.Code, cursor, handler)
	})
}

// awaitReply sends a single-reply request and waits, bounded by the
// request timeout, for its one result. A request given up on is forgotten
// so a kernel that never answers does not leave it tracked.
func (h *Handlers) awaitReply(c *gin.Context, k kernel.Kernel, action string, send func(protocol.Handler) (string, error)) {
	replies := make(chan protocol.Result, 1)
	id, err := send(func(res protocol.Result) {
		select {
		case replies <- res:
		default:
		}
	})
	if err != nil {
		h.writeError(c, err, action)
		return
	}

	timer := time.NewTimer(h.requestTimeout)
	defer timer.Stop()

	select {
	case res := <-replies:
		c.JSON(http.StatusOK, gin.H{"request_id": id, "result": res})
	case <-timer.C:
		k.Forget(id)
		c.JSON(http.StatusGatewayTimeout, gin.H{"request_id": id, "error": "timed out waiting for kernel reply"})
	case <-c.Request.Context().Done():
		k.Forget(id)
	}
}

func (h *Handlers) httpListWatches(c *gin.Context) {
	set, err := h.manager.Watches(c.Param("language"))
	if err != nil {
		h.writeError(c, err, "list_watches")
		return
	}
	c.JSON(http.StatusOK, gin.H{"watches": set.List()})
}

type addWatchRequest struct {
	Code string `json:"code"`
}

func (h *Handlers) httpAddWatch(c *gin.Context) {
	var req addWatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	set, err := h.manager.Watches(c.Param("language"))
	if err != nil {
		h.writeError(c, err, "add_watch")
		return
	}
	index := set.Add(c.Request.Context(), req.Code)
	c.JSON(http.StatusOK, gin.H{"index": index, "watches": set.List()})
}

func (h *Handlers) httpRemoveWatch(c *gin.Context) {
	raw := c.Param("index")
	if raw == "" {
		raw = c.Query("index")
	}
	index, err := strconv.Atoi(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "index must be an integer"})
		return
	}
	set, err := h.manager.Watches(c.Param("language"))
	if err != nil {
		h.writeError(c, err, "remove_watch")
		return
	}
	if err := set.Remove(index); err != nil {
		h.writeError(c, err, "remove_watch")
		return
	}
	c.JSON(http.StatusOK, gin.H{"watches": set.List()})
}
