package session

import (
	"context"

	"runbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler upgrades HTTP requests to sessions.
type Handler struct {
	upgrader  *websocket.Upgrader
	transport TransportConfig
	session   Config
	runner    Runner
	limiter   RunLimiter
	registry  *Registry
	monitor   *Monitor
}

func NewHandler(transport TransportConfig, cfg Config, runner Runner, limiter RunLimiter, registry *Registry, monitor *Monitor) *Handler {
	return &Handler{
		upgrader:  NewUpgrader(transport),
		transport: transport,
		session:   cfg,
		runner:    runner,
		limiter:   limiter,
		registry:  registry,
		monitor:   monitor,
	}
}

// ServeWS handles GET /ws for the life of the connection.
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	h.Serve(context.WithoutCancel(c.Request.Context()), NewWSTransport(conn, h.transport))
}

// Serve runs a session over t and blocks until it ends.
func (h *Handler) Serve(ctx context.Context, t Transport) {
	s := New(ctx, t, h.runner, h.limiter, h.session)
	h.registry.Add(s)
	defer h.registry.Remove(s)
	if h.monitor != nil {
		h.monitor.Watch(s)
	}
	s.Serve()
}
