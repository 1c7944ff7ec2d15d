// Package httpapi exposes campaigns over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"descfetch/internal/shared"
	"descfetch/internal/store"
)

// Campaigns is the subset of *campaign.Manager served over HTTP.
type Campaigns interface {
	Start(url string) (store.Record, error)
	Abort(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (store.Record, error)
	List(ctx context.Context, limit int) ([]store.Record, error)
	Latest(ctx context.Context, url string) (store.Record, error)
	Active() int
	Ping(ctx context.Context) error
}

const healthTimeout = 3 * time.Second

// Options adds optional routes.
type Options struct {
	// WebhookPath and Webhook mount a Telegram webhook handler.
	WebhookPath string
	Webhook     http.Handler
}

type handler struct {
	campaigns Campaigns
	log       *slog.Logger
}

// NewRouter builds the API router.
func NewRouter(c Campaigns, log *slog.Logger, opts Options) *gin.Engine {
	h := &handler{campaigns: c, log: log.With("component", "httpapi")}

	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog)

	r.GET("/healthz", h.health)
	g := r.Group("/campaigns")
	g.POST("", h.start)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.abort)
	r.GET("/devices", h.latest)

	if opts.Webhook != nil && opts.WebhookPath != "" {
		r.POST(opts.WebhookPath, gin.WrapH(opts.Webhook))
	}
	return r
}

type startRequest struct {
	URL string `json:"url" binding:"required,url"`
}

func (h *handler) start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, shared.MarkKind(err, shared.KindValidation))
		return
	}
	rec, err := h.campaigns.Start(req.URL)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Location", "/campaigns/"+rec.ID)
	c.JSON(http.StatusAccepted, rec)
}

func (h *handler) list(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.fail(c, shared.MarkKind(errors.New("limit must be a positive integer"), shared.KindValidation))
			return
		}
		limit = n
	}
	recs, err := h.campaigns.List(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": recs})
}

func (h *handler) get(c *gin.Context) {
	rec, err := h.campaigns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) abort(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.campaigns.Abort(ctx, id, c.Query("reason")); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.campaigns.Get(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

// latest returns the newest finished campaign for ?url=, which carries the
// last known description of that device.
func (h *handler) latest(c *gin.Context) {
	url := c.Query("url")
	if url == "" {
		h.fail(c, shared.MarkKind(errors.New("url query parameter is required"), shared.KindValidation))
		return
	}
	rec, err := h.campaigns.Latest(c.Request.Context(), url)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	if err := h.campaigns.Ping(ctx); err != nil {
		h.log.Warn("health check failed", slog.Any("error", err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active": h.campaigns.Active()})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch shared.KindOf(err) {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindForbidden:
		return http.StatusForbidden
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindDependencyFailure:
		return http.StatusBadGateway
	case shared.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  shared.KindOf(err).String(),
	})
}

func (h *handler) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.log.Debug("http",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.Int("status", c.Writer.Status()),
		slog.Duration("took", time.Since(start)))
}
