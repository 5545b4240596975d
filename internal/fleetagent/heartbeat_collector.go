package fleetagent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetwatch/core/internal/ingestpb"
)

// HeartbeatCollector emits a machine-tier Heartbeat event on a fixed
// interval, independent of whether any other telemetry was produced. It
// implements Collector.
//
// Client-tier heartbeats are implied server-side by every telemetry RPC
// carrying the same machine-id (Metrics, NodeData, MachineData, Logs), and
// node-tier heartbeats by the ones that name a node (NodeData, and Metrics
// or Logs with an avs_name) (§4.3); only the machine tier needs an explicit
// keep-alive, since an idle machine with no nodes would otherwise never be
// heard from.
type HeartbeatCollector struct {
	interval time.Duration
	logger   *slog.Logger

	events    chan Event
	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHeartbeatCollector constructs a HeartbeatCollector firing every
// interval.
func NewHeartbeatCollector(interval time.Duration, logger *slog.Logger) *HeartbeatCollector {
	return &HeartbeatCollector{
		interval: interval,
		logger:   logger,
		events:   make(chan Event, 4),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the heartbeat ticker in a background goroutine.
func (c *HeartbeatCollector) Start(_ context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	return nil
}

// Stop signals the ticker goroutine to exit and blocks until it has.
func (c *HeartbeatCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.closeOnce.Do(func() { close(c.events) })
}

// Events returns the read-only channel on which Heartbeat events are
// delivered.
func (c *HeartbeatCollector) Events() <-chan Event {
	return c.events
}

func (c *HeartbeatCollector) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.beat()
		}
	}
}

func (c *HeartbeatCollector) beat() {
	evt := Event{
		Kind:      EventHeartbeat,
		Timestamp: time.Now().UTC(),
		Heartbeat: &ingestpb.HeartbeatRequest{
			Tier: ingestpb.HeartbeatTierMachine,
		},
	}
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("heartbeat collector: events channel full, dropping beat")
	}
}
