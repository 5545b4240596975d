// Package ws fans alert-lifecycle events out to connected dashboard
// clients over a hand-rolled WebSocket transport.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     event frames. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the alert state
//     machine (C4) that publishes into the broadcaster.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Closing a client's connection unregisters it and signals the
//     associated write goroutine to exit cleanly.
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetwatch/core/internal/store"
)

// EventType names the lifecycle transition an Event carries.
type EventType string

const (
	EventActivated    EventType = "activated"
	EventAcknowledged EventType = "acknowledged"
	EventResolved     EventType = "resolved"
)

// EventData is the alert payload sent to dashboard clients as part of an
// Event envelope.
type EventData struct {
	AlertID        string `json:"alert_id"`
	OrganizationID string `json:"organization_id"`
	Scope          string `json:"scope"`
	MachineID      string `json:"machine_id,omitempty"`
	NodeName       string `json:"node_name,omitempty"`
	Kind           string `json:"kind"`
	CreatedAt      string `json:"created_at"`
}

// Event is the top-level JSON envelope pushed to dashboard WebSocket
// clients.
type Event struct {
	Type EventType `json:"type"`
	Data EventData `json:"data"`
}

// Client represents a single connected WebSocket client, created by
// Broadcaster.Register and valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded event frames
// are delivered. The channel is closed when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans alert-lifecycle events out to every connected dashboard
// client, scoped to the organization each client belongs to — a client never
// receives another organization's alerts. It is safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*registeredClient
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

type registeredClient struct {
	client *Client
	orgID  string
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; 0 uses the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client scoped to orgID, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) when the client disconnects.
func (b *Broadcaster) Register(id, orgID string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, &registeredClient{client: c, orgID: orgID})
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes its
// Send channel. Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*registeredClient).client.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered dashboard clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish converts a into an Event and delivers it, via a non-blocking
// send, to every connected client scoped to a.OrganizationID. A slow or
// disconnected client never stalls the caller — its frame is dropped and
// its Dropped counter incremented.
func (b *Broadcaster) Publish(typ EventType, a store.Alert) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(Event{
		Type: typ,
		Data: EventData{
			AlertID:        a.AlertID,
			OrganizationID: a.OrganizationID,
			Scope:          string(a.Scope),
			MachineID:      a.MachineID,
			NodeName:       a.NodeName,
			Kind:           string(a.Kind),
			CreatedAt:      a.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		b.logger.Error("ws broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		rc := v.(*registeredClient)
		if rc.orgID != a.OrganizationID {
			return true
		}
		select {
		case rc.client.send <- raw:
		default:
			rc.client.Dropped.Add(1)
			b.logger.Warn("ws broadcaster: client buffer full, dropping event",
				slog.String("client_id", rc.client.id),
			)
		}
		return true
	})
}

// Close unregisters every client and releases internal resources. After
// Close returns, Publish is a no-op and Register returns an already-closed
// client.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			rc := value.(*registeredClient)
			close(rc.client.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
