package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/metrics"
)

// Sweeper is the fingerprint store's retention pass.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
	Len() int
}

// HostPruner forgets politeness state for idle hosts.
type HostPruner interface {
	Prune(idle time.Duration) int
}

// QueueReporter republishes queue gauges and source health.
type QueueReporter interface {
	PublishMetrics()
	UnhealthySources() []string
}

// Maintenance bundles the periodic housekeeping of a running crawler.
type Maintenance struct {
	Fingerprints Sweeper
	Hosts        HostPruner
	Queue        QueueReporter
	HostIdle     time.Duration
	Logger       *zap.Logger
}

// Run performs one maintenance pass.
func (m *Maintenance) Run(ctx context.Context) error {
	logger := m.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fields := make([]zap.Field, 0, 4)
	if m.Fingerprints != nil {
		evicted, err := m.Fingerprints.Sweep(ctx)
		metrics.ObserveEvictions(evicted)
		metrics.SetFingerprintEntries(m.Fingerprints.Len())
		if err != nil {
			return fmt.Errorf("maintenance sweep: %w", err)
		}
		fields = append(fields, zap.Int("evicted", evicted), zap.Int("fingerprints", m.Fingerprints.Len()))
	}
	if m.Hosts != nil && m.HostIdle > 0 {
		fields = append(fields, zap.Int("hosts_pruned", m.Hosts.Prune(m.HostIdle)))
	}
	if m.Queue != nil {
		m.Queue.PublishMetrics()
		if unhealthy := m.Queue.UnhealthySources(); len(unhealthy) > 0 {
			fields = append(fields, zap.Strings("unhealthy_sources", unhealthy))
		}
	}
	logger.Info("maintenance pass finished", fields...)
	return nil
}
