package session

import (
	"context"
	"sync"
	"time"

	"runbox/internal/sandbox/workspace"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	DefaultPingInterval     = 30 * time.Second
	DefaultMissedHeartbeats = 3
	DefaultSweepInterval    = 60 * time.Second
)

// MonitorConfig sets heartbeat and sweep timing.
type MonitorConfig struct {
	PingInterval     time.Duration `yaml:"pingInterval"`
	MissedHeartbeats int           `yaml:"missedHeartbeats"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MissedHeartbeats <= 0 {
		c.MissedHeartbeats = DefaultMissedHeartbeats
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// Monitor detects dead peers and garbage-collects sessions and workspaces
// that the normal cleanup paths missed.
type Monitor struct {
	cfg        MonitorConfig
	registry   *Registry
	workspaces *workspace.Manager
	wg         sync.WaitGroup
}

func NewMonitor(cfg MonitorConfig, registry *Registry, workspaces *workspace.Manager) *Monitor {
	return &Monitor{cfg: cfg.withDefaults(), registry: registry, workspaces: workspaces}
}

func (m *Monitor) Config() MonitorConfig { return m.cfg }

// Watch pings s every interval and closes it once no inbound traffic has been
// seen for MissedHeartbeats intervals.
func (m *Monitor) Watch(s *Session) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		deadAfter := m.cfg.PingInterval * time.Duration(m.cfg.MissedHeartbeats)
		for {
			select {
			case <-s.Closed():
				return
			case <-ticker.C:
				if idle := time.Since(s.LastSeen()); idle >= deadAfter {
					logger.Warn(s.Context(), "peer missed heartbeats, closing session", zap.Duration("idle", idle))
					s.Close("heartbeat timeout")
					return
				}
				s.send(ping())
			}
		}
	}()
}

// Run sweeps periodically until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep drops closed sessions from the registry and removes workspace
// directories no live run owns. It returns the counts removed.
func (m *Monitor) Sweep(ctx context.Context) (sessions, workspaces int) {
	for _, s := range m.registry.Snapshot() {
		select {
		case <-s.Closed():
			m.registry.Remove(s)
			sessions++
		default:
		}
	}
	if m.workspaces != nil {
		workspaces = m.workspaces.Sweep(ctx)
	}
	if sessions > 0 || workspaces > 0 {
		logger.Info(ctx, "sweep finished", zap.Int("sessions", sessions), zap.Int("workspaces", workspaces))
	}
	return sessions, workspaces
}

// Shutdown closes every session, waits for their runs to be cleaned up and
// empties the work root.
func (m *Monitor) Shutdown(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.registry.Snapshot() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Shutdown(ctx)
			m.registry.Remove(s)
		}(s)
	}
	wg.Wait()
	m.wg.Wait()
	if m.workspaces != nil {
		n := m.workspaces.DestroyAll(ctx)
		logger.Info(ctx, "sessions shut down", zap.Int("workspaces_removed", n))
	}
}
