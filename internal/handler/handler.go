// Package handler exposes the read APIs over echo.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dollspace-gay/PublicAppView-sub003/internal/index"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/metrics"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/service"
	"github.com/dollspace-gay/PublicAppView-sub003/internal/thread"
)

// ThreadProvider serves thread views.
type ThreadProvider interface {
	GetThread(ctx context.Context, anchorURI string, opts thread.Options) (service.ThreadView, error)
}

// SearchProvider serves the search endpoints.
type SearchProvider interface {
	SearchPosts(ctx context.Context, query string, limit int, cursor string) (service.PostSearchPage, error)
	SearchActors(ctx context.Context, query string, limit int) ([]index.ActorSearchResult, error)
	Typeahead(ctx context.Context, prefix string, limit int) ([]index.Actor, error)
}

// ActorProvider serves actor profiles and notifications.
type ActorProvider interface {
	GetActor(ctx context.Context, did string) (index.Actor, error)
	ListNotifications(ctx context.Context, did string, limit int, cursor string) (service.NotificationPage, error)
}

// StatsProvider serves the dashboard snapshot.
type StatsProvider interface {
	Snapshot(ctx context.Context) service.Stats
}

// ReadyChecker runs the readiness probes.
type ReadyChecker interface {
	Ready(ctx context.Context) metrics.CheckResult
}

// Handler holds the read-path routes.
type Handler struct {
	threads  ThreadProvider
	search   SearchProvider
	actors   ActorProvider
	stats    StatsProvider
	health   ReadyChecker
	registry *prometheus.Registry
	logger   *zap.Logger
}

// New wires the handler.
func New(threads ThreadProvider, search SearchProvider, actors ActorProvider, stats StatsProvider, health ReadyChecker, registry *prometheus.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		threads:  threads,
		search:   search,
		actors:   actors,
		stats:    stats,
		health:   health,
		registry: registry,
		logger:   logger,
	}
}

// Register mounts the routes.
func (h *Handler) Register(e *echo.Echo) {
	v1 := e.Group("/v1", ViewerMiddleware())
	v1.GET("/thread", h.GetThread)
	v1.GET("/search/posts", h.SearchPosts)
	v1.GET("/search/actors", h.SearchActors)
	v1.GET("/search/actors/typeahead", h.Typeahead)
	v1.GET("/actors/:did", h.GetActor)
	v1.GET("/actors/:did/notifications", h.ListNotifications)
	v1.GET("/stats", h.Stats)

	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)
	e.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
}

// GetThread assembles the thread around ?uri= with optional ?parentHeight=
// and ?depth=. An unknown anchor returns an empty thread.
func (h *Handler) GetThread(c echo.Context) error {
	uri := strings.TrimSpace(c.QueryParam("uri"))
	if uri == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "uri query parameter is required"})
	}

	opts := thread.Options{
		AncestorDepth:   intParam(c, "parentHeight"),
		DescendantDepth: intParam(c, "depth"),
		HideLabels:      splitParam(c.QueryParam("hideLabels")),
	}
	if viewer, ok := GetViewer(c.Request().Context()); ok {
		opts.ViewerDID = viewer
	}

	view, err := h.threads.GetThread(c.Request().Context(), uri, opts)
	if err != nil {
		h.logger.Error("thread assembly failed", zap.String("uri", uri), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to assemble thread"})
	}
	return c.JSON(http.StatusOK, view)
}

// SearchPosts is the ranked full-text post search.
func (h *Handler) SearchPosts(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "q query parameter is required"})
	}

	page, err := h.search.SearchPosts(c.Request().Context(), query, intParam(c, "limit"), c.QueryParam("cursor"))
	if err != nil {
		if strings.Contains(err.Error(), "malformed cursor") {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed cursor"})
		}
		h.logger.Error("post search failed", zap.String("query", query), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "search failed"})
	}
	return c.JSON(http.StatusOK, page)
}

// SearchActors is the combined similarity/lexeme actor search.
func (h *Handler) SearchActors(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("q"))
	if query == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "q query parameter is required"})
	}

	results, err := h.search.SearchActors(c.Request().Context(), query, intParam(c, "limit"))
	if err != nil {
		h.logger.Error("actor search failed", zap.String("query", query), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "search failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// Typeahead is the prefix handle match.
func (h *Handler) Typeahead(c echo.Context) error {
	prefix := strings.TrimSpace(c.QueryParam("q"))
	if prefix == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "q query parameter is required"})
	}

	actors, err := h.search.Typeahead(c.Request().Context(), prefix, intParam(c, "limit"))
	if err != nil {
		h.logger.Error("typeahead failed", zap.String("prefix", prefix), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "search failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"actors": actors})
}

// GetActor returns the indexed profile for a DID.
func (h *Handler) GetActor(c echo.Context) error {
	did := c.Param("did")
	actor, err := h.actors.GetActor(c.Request().Context(), did)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "actor not found"})
		}
		h.logger.Error("actor load failed", zap.String("did", did), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load actor"})
	}
	return c.JSON(http.StatusOK, actor)
}

// ListNotifications pages a recipient's notifications. Only the viewer may
// read their own list.
func (h *Handler) ListNotifications(c echo.Context) error {
	did := c.Param("did")
	viewer, ok := GetViewer(c.Request().Context())
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "viewer identity required"})
	}
	if viewer != did {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "cannot read another actor's notifications"})
	}

	page, err := h.actors.ListNotifications(c.Request().Context(), did, intParam(c, "limit"), c.QueryParam("cursor"))
	if err != nil {
		if strings.Contains(err.Error(), "malformed cursor") {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed cursor"})
		}
		h.logger.Error("notification list failed", zap.String("did", did), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list notifications"})
	}
	return c.JSON(http.StatusOK, page)
}

// Stats is the dashboard snapshot.
func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.stats.Snapshot(c.Request().Context()))
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(c echo.Context) error {
	res := h.health.Ready(c.Request().Context())
	status := http.StatusOK
	if !res.Ready {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, res)
}

func intParam(c echo.Context, name string) int {
	v := c.QueryParam(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func splitParam(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
