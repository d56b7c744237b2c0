// Package handlers exposes the turtle fleet over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/orchestrator"
	"github.com/denecity/TaaS/internal/routines"
	"github.com/denecity/TaaS/internal/turtle/state"
)

// APIHandlers serves the REST surface dashboards and scripts use.
type APIHandlers struct {
	scheduler *orchestrator.Scheduler
	routines  *routines.Registry
	store     *state.Store
	logger    *logger.Logger
}

func NewAPIHandlers(sched *orchestrator.Scheduler, reg *routines.Registry, store *state.Store, log *logger.Logger) *APIHandlers {
	return &APIHandlers{scheduler: sched, routines: reg, store: store, logger: log}
}

// RegisterRoutes mounts every REST endpoint plus the static dashboard
// when staticDir points at an existing directory.
func RegisterRoutes(router *gin.Engine, h *APIHandlers, staticDir string) {
	router.GET("/turtles", h.listTurtles)
	router.GET("/turtles/:id", h.getTurtle)
	router.GET("/turtles/:id/calls", h.listCalls)
	router.POST("/turtles/:id/execute", h.executeRoutine)
	router.POST("/turtles/:id/abort", h.abortRoutine)
	router.POST("/turtles/:id/continue", h.continueRoutine)
	router.POST("/turtles/:id/restart", h.restartTurtle)
	router.GET("/routines", h.listRoutines)
	router.GET("/health", h.health)
	router.GET("/favicon.ico", h.favicon)

	if info, err := os.Stat(staticDir); err == nil && info.IsDir() {
		router.Static("/dashboard", staticDir)
		router.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusFound, "/dashboard")
		})
	}
}

// detail is the error envelope the dashboard expects.
func detail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"detail": msg})
}

func (h *APIHandlers) turtleID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		detail(c, http.StatusBadRequest, "invalid turtle id")
		return 0, false
	}
	return id, true
}

func (h *APIHandlers) listTurtles(c *gin.Context) {
	ctx := c.Request.Context()
	ids := h.scheduler.KnownIDs(ctx)

	summaries := make([]map[string]interface{}, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			summaries[i] = h.scheduler.Summary(gctx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.logger.Error("failed to assemble turtle summaries", zap.Error(err))
		detail(c, http.StatusInternalServerError, "failed to list turtles")
		return
	}
	c.JSON(http.StatusOK, summaries)
}

func (h *APIHandlers) getTurtle(c *gin.Context) {
	id, ok := h.turtleID(c)
	if !ok {
		return
	}
	if !h.scheduler.Connected(id) {
		detail(c, http.StatusNotFound, "turtle not connected")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         id,
		"alive":      true,
		"assignment": h.scheduler.Assignment(id),
	})
}

func (h *APIHandlers) listCalls(c *gin.Context) {
	id, ok := h.turtleID(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	calls, err := h.store.Calls(c.Request.Context(), id, limit)
	if err != nil {
		h.logger.Error("failed to load call history",
			zap.Int("turtle_id", id), zap.Error(err))
		detail(c, http.StatusInternalServerError, "failed to load call history")
		return
	}
	c.JSON(http.StatusOK, calls)
}

type executeRequest struct {
	Routine string      `json:"routine"`
	Config  interface{} `json:"config"`
}

func (h *APIHandlers) executeRoutine(c *gin.Context) {
	id, ok := h.turtleID(c)
	if !ok {
		return
	}
	var body executeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		detail(c, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := h.scheduler.Execute(id, body.Routine, body.Config); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *APIHandlers) abortRoutine(c *gin.Context) {
	id, ok := h.turtleID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"aborted": h.scheduler.Abort(id)})
}

func (h *APIHandlers) continueRoutine(c *gin.Context) {
	id, ok := h.turtleID(c)
	if !ok {
		return
	}
	if err := h.scheduler.Continue(id); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (h *APIHandlers) restartTurtle(c *gin.Context) {
	id, ok := h.turtleID(c)
	if !ok {
		return
	}
	if err := h.scheduler.Restart(c.Request.Context(), id); err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

// notFoundOrError maps the scheduler's sentinel errors to 404s; anything
// else is a 500.
func (h *APIHandlers) notFoundOrError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownRoutine),
		errors.Is(err, orchestrator.ErrNotConnected),
		errors.Is(err, orchestrator.ErrNoPreviousRoutine):
		detail(c, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("scheduler request failed", zap.Error(err))
		detail(c, http.StatusInternalServerError, err.Error())
	}
}

type routineInfo struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	ConfigTemplate string `json:"config_template"`
}

func (h *APIHandlers) listRoutines(c *gin.Context) {
	all := h.routines.List()
	out := make([]routineInfo, 0, len(all))
	for _, rt := range all {
		out = append(out, routineInfo{
			Name:           rt.Name,
			Description:    rt.Description,
			ConfigTemplate: rt.ConfigTemplate,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *APIHandlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// favicon keeps browsers from spamming 404s into the access log.
func (h *APIHandlers) favicon(c *gin.Context) {
	c.Data(http.StatusOK, "image/x-icon", []byte{})
}
