// Package fleettransport implements the mTLS gRPC client that delivers
// fleet-agent telemetry to the ingestion frontend (C7). The [GRPCClient]
// satisfies fleetagent.Transport and manages a persistent connection with
// the following properties, carried over from the teacher's bidirectional
// stream client and adapted to this wire contract's per-RPC unary shape:
//
//   - mTLS: the agent presents a certificate signed by the shared CA; the
//     ingestion server's certificate is verified against the same CA.
//   - Register: called once per connection (idempotent server-side) to
//     bind this agent's self-chosen machine-id to an organization/client.
//   - Exponential backoff: on any connection error the client waits an
//     exponentially increasing interval (±25% jitter) before reconnecting.
//   - Queue drain on reconnect: each time a connection is (re)established
//     the client first delivers all pending events from the local queue
//     (oldest first), acking each in the queue only after the unary RPC
//     returns successfully, before forwarding new live events.
//   - Every request is signed: the canonical payload for its Kind is
//     hashed and signed with the agent's operator key, and the resulting
//     Auth envelope is stamped onto the request immediately before send —
//     never while the event sits in the queue — so the signature always
//     carries a fresh, in-window timestamp.
package fleettransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fleetwatch/core/internal/fleetagent"
	"github.com/fleetwatch/core/internal/fleetqueue"
	"github.com/fleetwatch/core/internal/ingestpb"
	"github.com/fleetwatch/core/internal/verify"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect back-off.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// drainBatchSize is the number of events dequeued per iteration in
	// drainQueue.
	drainBatchSize = 50

	// liveChanCap is the capacity of the buffered channel used to forward
	// live events from Send to the run-loop goroutine.
	liveChanCap = 256
)

// DrainQueue is the subset of [fleetqueue.SQLiteQueue] used by GRPCClient.
// It is satisfied by *fleetqueue.SQLiteQueue and can be stubbed in tests.
type DrainQueue interface {
	// Dequeue returns up to n unacknowledged events in insertion order.
	Dequeue(ctx context.Context, n int) ([]fleetqueue.PendingEvent, error)
	// Ack marks events as delivered. Idempotent.
	Ack(ctx context.Context, ids []int64) error
	// Depth returns the count of pending (unacknowledged) events.
	Depth() int
}

// ClientConfig holds the parameters for connecting to the ingestion server.
type ClientConfig struct {
	// Addr is the ingestion server's gRPC address. Required.
	Addr string

	// CertPath is the path to the PEM-encoded agent client certificate.
	// Required unless Insecure is true.
	CertPath string

	// KeyPath is the path to the PEM-encoded agent private key. Required
	// unless Insecure is true.
	KeyPath string

	// CAPath is the path to the PEM-encoded CA certificate used to verify
	// the ingestion server's certificate. Required unless Insecure is true.
	CAPath string

	// ServerName overrides the TLS server name for SNI verification. When
	// empty the hostname portion of Addr is used. Ignored when Insecure.
	ServerName string

	// Email and Password are the operator credentials sent with Register.
	Email    string
	Password string

	// Hostname is the agent host name sent with Register. When empty,
	// os.Hostname() is used.
	Hostname string

	// MachineIDPath persists the self-chosen machine-id across restarts.
	// A new UUID is generated and written there the first time the agent
	// runs. Required.
	MachineIDPath string

	// MaxBackoff is the maximum reconnect back-off interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Use only in tests; never in
	// production.
	Insecure bool
}

// GRPCClient is a unary-RPC gRPC transport client that implements
// fleetagent.Transport. It is safe for concurrent use: Send may be called
// from any goroutine while the internal run loop manages the connection.
//
// Use New to construct a GRPCClient. Call Start once to begin the
// connection loop. Call Stop to shut down cleanly.
type GRPCClient struct {
	cfg    ClientConfig
	signer *Signer
	queue  DrainQueue
	logger *slog.Logger

	// liveCh carries events from Send to the run-loop goroutine.
	liveCh chan fleetagent.Event

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	machineMu sync.RWMutex
	machineID string

	eventsSentTotal atomic.Int64
	reconnectTotal  atomic.Int64
}

// New creates a new GRPCClient but does not start it. Call Start to begin
// the connection loop.
//
//   - cfg must have Addr and MachineIDPath set; CertPath/KeyPath/CAPath are
//     required unless cfg.Insecure is true (testing only).
//   - signer signs every outgoing request's canonical payload.
//   - q is the local queue; used to drain pending events on each
//     connection. May be nil, in which case draining is skipped.
//   - logger is used for structured logging; pass slog.Default() when no
//     custom logger is required.
func New(cfg ClientConfig, signer *Signer, q DrainQueue, logger *slog.Logger) *GRPCClient {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCClient{
		cfg:    cfg,
		signer: signer,
		queue:  q,
		logger: logger,
		liveCh: make(chan fleetagent.Event, liveChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine and returns
// immediately. It implements fleetagent.Transport.
//
// Start returns an error only when the machine-id cannot be loaded or
// created. Connection failures thereafter are retried internally with
// exponential back-off and are not surfaced as errors from Start.
func (c *GRPCClient) Start(ctx context.Context) error {
	id, err := loadOrCreateMachineID(c.cfg.MachineIDPath)
	if err != nil {
		return fmt.Errorf("fleettransport: %w", err)
	}
	c.machineMu.Lock()
	c.machineID = id
	c.machineMu.Unlock()

	go c.run(ctx)
	return nil
}

// Send forwards evt to the live channel consumed by the run-loop goroutine.
// It implements fleetagent.Transport.
//
// Send returns an error if the live channel is full (back-pressure from a
// slow connection) or if the client has been stopped. The caller should
// already have persisted evt to the local queue before calling Send; a
// failed Send is not fatal because the event will be re-delivered by the
// queue drain on the next connection.
func (c *GRPCClient) Send(ctx context.Context, evt fleetagent.Event) error {
	select {
	case c.liveCh <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("fleettransport: stopped")
	default:
		return fmt.Errorf("fleettransport: live channel full, event will be delivered via queue")
	}
}

// Stop signals the run loop to exit and blocks until it has. It implements
// fleetagent.Transport. Calling Stop more than once is safe.
func (c *GRPCClient) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// EventsSentTotal returns the total number of events successfully delivered
// to the ingestion server since the client was created.
func (c *GRPCClient) EventsSentTotal() int64 { return c.eventsSentTotal.Load() }

// ReconnectTotal returns the total number of reconnect attempts (connection
// losses) since the client was created.
func (c *GRPCClient) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// QueueDepth delegates to the underlying DrainQueue.Depth. It returns 0
// when no queue is configured.
func (c *GRPCClient) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// MachineID returns the machine-id loaded (or created) by Start. It returns
// an empty string before Start has run.
func (c *GRPCClient) MachineID() string {
	c.machineMu.RLock()
	defer c.machineMu.RUnlock()
	return c.machineID
}

// --- internal ---

// run is the main connection loop. It runs in a background goroutine
// started by Start and exits when stopCh is closed or ctx is cancelled. On
// each connection failure it increments reconnectTotal and sleeps for an
// exponentially increasing interval with ±25% jitter before retrying.
func (c *GRPCClient) run(ctx context.Context) {
	defer close(c.done)

	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		err := c.runOnce(ctx)
		if err == nil {
			return
		}

		c.reconnectTotal.Add(1)
		c.logger.Warn("fleettransport: connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)

		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// runOnce performs a single dial → register → drain → live cycle. It
// returns nil only when the exit is clean (stop/context cancellation). Any
// other return value means the connection was lost and the caller should
// retry.
func (c *GRPCClient) runOnce(ctx context.Context) error {
	creds, err := c.buildCredentials()
	if err != nil {
		return fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := ingestpb.NewFleetIngestClient(conn)

	if err := c.register(ctx, client); err != nil {
		return fmt.Errorf("Register: %w", err)
	}

	if c.queue != nil && c.queue.Depth() > 0 {
		c.logger.Info("fleettransport: draining queue before live events",
			slog.Int("depth", c.queue.Depth()),
		)
		if err := c.drainQueue(ctx, client); err != nil {
			select {
			case <-c.stopCh:
				return nil
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("queue drain: %w", err)
			}
		}
		c.logger.Info("fleettransport: queue drain complete")
	}

	if err := c.processLive(ctx, client); err != nil {
		select {
		case <-c.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
			return err
		}
	}
	return nil
}

// register signs and sends a Register RPC binding this agent's machine-id
// to the configured operator account. It is safe to call on every
// connection: the server's Register handler upserts the organization,
// client, and machine idempotently.
func (c *GRPCClient) register(ctx context.Context, client ingestpb.FleetIngestClient) error {
	hostname := c.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	pubKey := c.signer.PublicKeyBytes()
	machineID := c.MachineID()

	payload, err := canonicalPayload(registerPayload{
		Email:     c.cfg.Email,
		Hostname:  hostname,
		PublicKey: pubKey,
		MachineID: machineID,
	})
	if err != nil {
		return err
	}

	req := &ingestpb.RegisterRequest{
		Auth:      c.authFor(verify.KindRegister, payload),
		Email:     c.cfg.Email,
		Password:  c.cfg.Password,
		Hostname:  hostname,
		PublicKey: pubKey,
	}

	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := client.Register(regCtx, req)
	if err != nil {
		return err
	}

	c.logger.Info("fleettransport: registered with ingestion server",
		slog.String("machine_id", resp.MachineID),
		slog.String("ingest_addr", c.cfg.Addr),
	)
	return nil
}

// authFor signs payload under kind and stamps the current wall-clock time,
// returning a fully populated Auth envelope.
func (c *GRPCClient) authFor(kind verify.Kind, payload []byte) ingestpb.Auth {
	return ingestpb.Auth{
		MachineID:          c.MachineID(),
		Signature:          c.signer.Sign(kind, payload),
		TimestampUnixMicro: time.Now().UnixMicro(),
	}
}

// dispatch signs evt's payload and sends it via the unary RPC matching its
// Kind. A successful call indicates the server accepted and durably
// processed the event — unlike the teacher's streamed ACK, there is no
// separate acknowledgement step.
func (c *GRPCClient) dispatch(ctx context.Context, client ingestpb.FleetIngestClient, evt fleetagent.Event) error {
	switch evt.Kind {
	case fleetagent.EventMetrics:
		req := evt.Metrics
		payload, err := canonicalPayload(metricsPayload{AVSName: req.AVSName, Samples: req.Samples})
		if err != nil {
			return err
		}
		req.Auth = c.authFor(verify.KindMetrics, payload)
		_, err = client.Metrics(ctx, req)
		return err

	case fleetagent.EventNodeData:
		req := evt.NodeData
		payload, err := canonicalPayload(nodeDataPayload{
			Name:         req.Name,
			NodeType:     req.NodeType,
			Manifest:     req.Manifest,
			MetricsAlive: req.MetricsAlive,
			NodeRunning:  req.NodeRunning,
			Chain:        req.Chain,
		})
		if err != nil {
			return err
		}
		req.Auth = c.authFor(verify.KindNodeData, payload)
		_, err = client.NodeData(ctx, req)
		return err

	case fleetagent.EventMachineData:
		req := evt.MachineData
		payload, err := canonicalPayload(machineDataPayload{
			UptimeSec:     req.UptimeSec,
			CPUUsagePct:   req.CPUUsagePct,
			CPUCores:      req.CPUCores,
			MemUsedBytes:  req.MemUsedBytes,
			MemFreeBytes:  req.MemFreeBytes,
			MemTotalBytes: req.MemTotalBytes,
			Disks:         req.Disks,
			AgentVersion:  req.AgentVersion,
		})
		if err != nil {
			return err
		}
		req.Auth = c.authFor(verify.KindMachineData, payload)
		_, err = client.MachineData(ctx, req)
		return err

	case fleetagent.EventLogs:
		req := evt.Logs
		payload, err := canonicalPayload(logsPayload{AVSName: req.AVSName, Body: req.Body, Severity: req.Severity})
		if err != nil {
			return err
		}
		req.Auth = c.authFor(verify.KindLogs, payload)
		_, err = client.Logs(ctx, req)
		return err

	case fleetagent.EventHeartbeat:
		req := evt.Heartbeat
		payload, err := canonicalPayload(heartbeatPayload{Tier: req.Tier, Key: req.Key})
		if err != nil {
			return err
		}
		req.Auth = c.authFor(heartbeatKind(req.Tier), payload)
		_, err = client.Heartbeat(ctx, req)
		return err

	default:
		return fmt.Errorf("fleettransport: unknown event kind %q", evt.Kind)
	}
}

// heartbeatKind maps a HeartbeatTier to the signing domain-separation Kind
// internal/verify expects.
func heartbeatKind(tier ingestpb.HeartbeatTier) verify.Kind {
	switch tier {
	case ingestpb.HeartbeatTierNode:
		return verify.KindHeartbeatNode
	case ingestpb.HeartbeatTierClient:
		return verify.KindHeartbeatCli
	default:
		return verify.KindHeartbeatHost
	}
}

// drainQueue sends all pending events from the queue to the server in FIFO
// order, acking each one in the queue only after its RPC succeeds. Events
// whose RPC fails are left in the queue (delivered=0) so they are retried
// on the next connection. Any send error terminates the drain and is
// returned to the caller.
func (c *GRPCClient) drainQueue(ctx context.Context, client ingestpb.FleetIngestClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		for _, pe := range pending {
			if err := c.dispatch(ctx, client, pe.Evt); err != nil {
				return fmt.Errorf("dispatch (queued): %w", err)
			}

			if ackErr := c.queue.Ack(ctx, []int64{pe.ID}); ackErr != nil {
				c.logger.Warn("fleettransport: queue Ack failed",
					slog.Int64("queue_id", pe.ID),
					slog.Any("error", ackErr),
				)
				continue
			}
			c.eventsSentTotal.Add(1)
			c.logger.Debug("fleettransport: queued event delivered",
				slog.String("kind", string(pe.Evt.Kind)),
			)
		}
	}
}

// processLive forwards live events received from Send as unary RPCs. It
// returns when:
//   - ctx is cancelled,
//   - stopCh is closed, or
//   - a dispatch error occurs.
func (c *GRPCClient) processLive(ctx context.Context, client ingestpb.FleetIngestClient) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case evt := <-c.liveCh:
			if err := c.dispatch(ctx, client, evt); err != nil {
				return fmt.Errorf("dispatch (live): %w", err)
			}
			c.eventsSentTotal.Add(1)
		}
	}
}

// buildCredentials constructs gRPC transport credentials from the config.
// When cfg.Insecure is true it returns insecure credentials (testing only).
func (c *GRPCClient) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}

	return credentials.NewTLS(tlsCfg), nil
}

// loadOrCreateMachineID reads the machine-id persisted at path, or
// generates and persists a new random UUID when the file does not exist.
// This machine-id is self-chosen by the agent (not assigned by the server)
// and included in the Auth envelope of every RPC, including Register.
func loadOrCreateMachineID(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		id := string(raw)
		if id == "" {
			return "", fmt.Errorf("machine-id file %q is empty", path)
		}
		return trimNewline(id), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read machine-id file %q: %w", path, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create machine-id directory for %q: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("write machine-id file %q: %w", path, err)
	}
	return id, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// nextBackoff returns the next back-off duration: double the current value
// with ±25% jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}

	jitterFactor := 0.75 + rand.Float64()*0.5 // [0.75, 1.25)
	next = time.Duration(float64(next) * jitterFactor)

	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// Ensure GRPCClient satisfies fleetagent.Transport at compile time.
var _ fleetagent.Transport = (*GRPCClient)(nil)
