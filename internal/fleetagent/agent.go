// Package fleetagent contains the fleet-agent orchestrator. It wires
// together the machine and heartbeat collectors, the local event queue, and
// the gRPC transport client, managing their lifecycle through a shared
// context.
package fleetagent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fleetwatch/core/internal/agentconfig"
	"github.com/fleetwatch/core/internal/ingestpb"
)

// EventKind identifies which fleet-agent RPC an Event carries.
type EventKind string

const (
	EventMetrics     EventKind = "metrics"
	EventNodeData    EventKind = "node_data"
	EventMachineData EventKind = "machine_data"
	EventLogs        EventKind = "logs"
	EventHeartbeat   EventKind = "heartbeat"
)

// Event is a generic telemetry event emitted by a collector. Exactly one of
// the payload fields matching Kind is populated. Auth is left zero-valued:
// the transport signs and stamps it immediately before sending, so that a
// queued event is always signed with a fresh, in-window timestamp.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	Metrics     *ingestpb.MetricsRequest
	NodeData    *ingestpb.NodeDataRequest
	MachineData *ingestpb.MachineDataRequest
	Logs        *ingestpb.LogsRequest
	Heartbeat   *ingestpb.HeartbeatRequest
}

// Collector is the common interface implemented by the machine and
// heartbeat collector components. Implementations must be safe for
// concurrent use.
type Collector interface {
	// Start begins sampling and sends events to the channel returned by
	// Events. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop signals the collector to cease sampling and release resources.
	// It blocks until all internal goroutines have exited.
	Stop()
	// Events returns a read-only channel from which callers receive
	// telemetry events. The channel is closed when the collector stops.
	Events() <-chan Event
}

// Queue is the interface for the local SQLite-backed event queue.
type Queue interface {
	// Enqueue persists an event for at-least-once delivery.
	Enqueue(ctx context.Context, evt Event) error
	// Depth returns the number of pending (undelivered) events.
	Depth() int
	// Close releases resources held by the queue.
	Close() error
}

// Transport is the interface for the gRPC transport client that delivers
// events to the ingestion server.
type Transport interface {
	// Start dials the ingestion server and begins the connection loop.
	Start(ctx context.Context) error
	// Send forwards an event to the ingestion server. It may block if the
	// client is congested or reconnecting.
	Send(ctx context.Context, evt Event) error
	// Stop gracefully closes the connection.
	Stop()
}

// Agent is the central orchestrator of the fleet agent. It starts and
// supervises all collector, queue, and transport components.
type Agent struct {
	cfg        *agentconfig.Config
	logger     *slog.Logger
	collectors []Collector
	queue      Queue
	transport  Transport

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastEventAt time.Time
	running     bool
	wg          sync.WaitGroup
}

// New creates a new Agent from the provided configuration and logger.
// Provide collectors, queue, and transport via the functional options
// returned by WithCollectors, WithQueue, and WithTransport. These
// components are optional — the agent starts with zero collectors and
// no-op stubs for any component that is not provided, which is useful in
// tests.
func New(cfg *agentconfig.Config, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithCollectors registers one or more collector components with the agent.
func WithCollectors(cs ...Collector) Option {
	return func(a *Agent) {
		a.collectors = append(a.collectors, cs...)
	}
}

// WithQueue registers the local event queue.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithTransport registers the gRPC transport client.
func WithTransport(t Transport) Option {
	return func(a *Agent) { a.transport = t }
}

// Start initialises and starts all registered components using the
// provided context. It returns a non-nil error if any component fails to
// initialise. On success, internal goroutines handle ongoing event
// processing until Stop is called or ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errAlreadyRunning
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting fleet agent",
		slog.String("ingest_addr", a.cfg.IngestAddr),
		slog.String("log_level", a.cfg.LogLevel),
		slog.String("health_addr", a.cfg.HealthAddr),
		slog.Int("num_avs", len(a.cfg.AVS)),
	)

	// Start transport first so collectors can deliver events immediately.
	if a.transport != nil {
		if err := a.transport.Start(ctx); err != nil {
			cancel()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return wrapStartErr("transport", err)
		}
	}

	for i, c := range a.collectors {
		if err := c.Start(ctx); err != nil {
			cancel()
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return wrapCollectorStartErr(i, err)
		}
		a.wg.Add(1)
		go a.processEvents(ctx, c)
	}

	a.logger.Info("fleet agent started")
	return nil
}

// Stop signals all components to shut down and waits for internal
// goroutines to exit. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	for _, c := range a.collectors {
		c.Stop()
	}

	a.wg.Wait()

	if a.transport != nil {
		a.transport.Stop()
	}

	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing event queue", slog.Any("error", err))
		}
	}

	a.logger.Info("fleet agent stopped")
}

// processEvents reads Events from collector c, enqueues them for durable
// storage, and forwards them to the transport. It exits when the
// collector's event channel is closed or ctx is cancelled.
func (a *Agent) processEvents(ctx context.Context, c Collector) {
	defer a.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.Events():
			if !ok {
				return
			}
			a.handleEvent(ctx, evt)
		}
	}
}

// handleEvent records the event in the local queue and forwards it to the
// transport. Errors are logged but do not stop the agent.
func (a *Agent) handleEvent(ctx context.Context, evt Event) {
	a.mu.Lock()
	a.lastEventAt = evt.Timestamp
	a.mu.Unlock()

	a.logger.Debug("telemetry event produced", slog.String("kind", string(evt.Kind)))

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, evt); err != nil {
			a.logger.Warn("failed to enqueue event", slog.Any("error", err))
		}
	}

	if a.transport != nil {
		if err := a.transport.Send(ctx, evt); err != nil {
			a.logger.Warn("failed to send event via transport", slog.Any("error", err))
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	QueueDepth  int     `json:"queue_depth"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		UptimeS: time.Since(a.startTime).Seconds(),
	}

	if a.queue != nil {
		h.QueueDepth = a.queue.Depth()
	}

	if !a.lastEventAt.IsZero() {
		h.LastEventAt = a.lastEventAt.UTC().Format(time.RFC3339)
	}

	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
