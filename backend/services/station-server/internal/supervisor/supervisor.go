// Package supervisor evicts station sockets that stopped talking.
package supervisor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

// Eviction reasons.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonLoginTimeout     = "login_timeout"
)

// Observer is notified about every eviction.
type Observer interface {
	Evicted(reason string)
}

// Config controls the sweep.
type Config struct {
	Timeout  time.Duration
	Interval time.Duration
	Now      func() time.Time
}

// Supervisor periodically sweeps the registry.
type Supervisor struct {
	registry *registry.Registry
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	observer Observer
	logger   *zap.Logger
}

// New builds supervisor. Observer may be nil.
func New(reg *registry.Registry, cfg Config, observer Observer, logger *zap.Logger) *Supervisor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		registry: reg,
		timeout:  cfg.Timeout,
		interval: cfg.Interval,
		now:      cfg.Now,
		observer: observer,
		logger:   logger.Named("supervisor"),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts active sockets silent for longer than the timeout and pending sockets that never
// logged in within it. It returns the number of evicted sockets.
func (s *Supervisor) Sweep() int {
	now := s.now()
	evicted := 0
	for _, conn := range s.registry.All() {
		var reason string
		switch {
		case conn.IsActive() && now.Sub(conn.LastHeartbeat()) > s.timeout:
			reason = ReasonHeartbeatTimeout
		case !conn.IsActive() && now.Sub(conn.ConnectedAt()) > s.timeout:
			reason = ReasonLoginTimeout
		default:
			continue
		}
		if !s.registry.Evict(conn, reason) {
			continue
		}
		evicted++
		s.logger.Info("connection evicted",
			zap.String("conn", conn.Key()),
			zap.Int64("station_id", conn.StationID()),
			zap.String("reason", reason),
			zap.Duration("silence", now.Sub(conn.LastHeartbeat())))
		if s.observer != nil {
			s.observer.Evicted(reason)
		}
	}
	return evicted
}
