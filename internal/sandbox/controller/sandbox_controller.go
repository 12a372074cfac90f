package controller

import (
	"context"
	"time"

	"runbox/internal/sandbox"
	"runbox/internal/sandbox/language"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WorkerInfo is the read-only view of the execution worker.
type WorkerInfo interface {
	Stats() sandbox.Stats
	Languages() []language.Spec
}

// SessionCounter reports live sessions.
type SessionCounter interface {
	Len() int
	Running() int
}

// Pinger checks a backing service such as the shared rate-limit cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	cacheDisabled    = "disabled"
	cacheOK          = "ok"
	cacheUnavailable = "unavailable"

	cachePingTimeout = 500 * time.Millisecond
)

// SandboxController serves health and introspection endpoints.
type SandboxController struct {
	worker   WorkerInfo
	sessions SessionCounter
	cache    Pinger
}

// NewSandboxController builds the controller. cache may be nil when rate
// limiting runs without Redis.
func NewSandboxController(worker WorkerInfo, sessions SessionCounter, cache Pinger) *SandboxController {
	return &SandboxController{worker: worker, sessions: sessions, cache: cache}
}

// StatsResponse is returned by GET /api/v1/sandbox/stats.
type StatsResponse struct {
	sandbox.Stats
	Sessions        int    `json:"sessions"`
	RunningSessions int    `json:"running_sessions"`
	Cache           string `json:"cache"`
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Aliases  []string `json:"aliases,omitempty"`
	Compiled bool     `json:"compiled"`
}

func (h *SandboxController) Healthz(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

func (h *SandboxController) Stats(c *gin.Context) {
	resp := StatsResponse{Stats: h.worker.Stats()}
	if h.sessions != nil {
		resp.Sessions = h.sessions.Len()
		resp.RunningSessions = h.sessions.Running()
	}
	resp.Cache = h.cacheStatus(c.Request.Context())
	response.Success(c, resp)
}

func (h *SandboxController) cacheStatus(ctx context.Context) string {
	if h.cache == nil {
		return cacheDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, cachePingTimeout)
	defer cancel()
	if err := h.cache.Ping(ctx); err != nil {
		logger.Warn(ctx, "cache ping failed", zap.Error(err))
		return cacheUnavailable
	}
	return cacheOK
}

// Languages lists supported languages sorted by id.
func (h *SandboxController) Languages(c *gin.Context) {
	specs := h.worker.Languages()
	out := make([]LanguageInfo, 0, len(specs))
	for _, s := range specs {
		out = append(out, LanguageInfo{
			ID:       s.ID,
			Name:     s.Name,
			Aliases:  s.Aliases,
			Compiled: s.Compiled,
		})
	}
	response.Success(c, out)
}

// Register mounts the routes on r.
func (h *SandboxController) Register(r gin.IRouter) {
	r.GET("/healthz", h.Healthz)
	api := r.Group("/api/v1/sandbox")
	api.GET("/stats", h.Stats)
	api.GET("/languages", h.Languages)
}
