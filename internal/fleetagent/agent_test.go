package fleetagent_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/fleetwatch/core/internal/agentconfig"
	"github.com/fleetwatch/core/internal/fleetagent"
	"github.com/fleetwatch/core/internal/ingestpb"
)

type fakeCollector struct {
	startErr   error
	events     chan fleetagent.Event
	stopCalled bool
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{events: make(chan fleetagent.Event, 8)}
}

func (f *fakeCollector) Start(_ context.Context) error { return f.startErr }
func (f *fakeCollector) Stop()                         { f.stopCalled = true; close(f.events) }
func (f *fakeCollector) Events() <-chan fleetagent.Event { return f.events }

type fakeQueue struct {
	enqueued []fleetagent.Event
	closeErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, evt fleetagent.Event) error {
	q.enqueued = append(q.enqueued, evt)
	return nil
}
func (q *fakeQueue) Depth() int   { return len(q.enqueued) }
func (q *fakeQueue) Close() error { return q.closeErr }

type fakeTransport struct {
	startErr error
	sent     []fleetagent.Event
	stopped  bool
}

func (t *fakeTransport) Start(_ context.Context) error { return t.startErr }
func (t *fakeTransport) Send(_ context.Context, evt fleetagent.Event) error {
	t.sent = append(t.sent, evt)
	return nil
}
func (t *fakeTransport) Stop() { t.stopped = true }

func minimalConfig() *agentconfig.Config {
	return &agentconfig.Config{
		IngestAddr: "ingest.example.com:9443",
		TLS: agentconfig.TLSConfig{
			CertPath: "/etc/fleetwatch-agent/agent.crt",
			KeyPath:  "/etc/fleetwatch-agent/agent.key",
			CAPath:   "/etc/fleetwatch-agent/ca.crt",
		},
		LogLevel:   "info",
		HealthAddr: "127.0.0.1:9000",
	}
}

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 10}))
}

func TestAgentStartStopNoComponents(t *testing.T) {
	ag := fleetagent.New(minimalConfig(), noopLogger())

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start returned unexpected error: %v", err)
	}

	ag.Stop()
	ag.Stop() // safe to call twice
}

func TestAgentStartReturnsErrorWhenTransportFails(t *testing.T) {
	transport := &fakeTransport{startErr: errors.New("dial failed")}
	ag := fleetagent.New(minimalConfig(), noopLogger(),
		fleetagent.WithTransport(transport),
	)

	if err := ag.Start(context.Background()); err == nil {
		t.Fatal("expected error when transport fails to start, got nil")
	}
}

func TestAgentStartReturnsErrorWhenCollectorFails(t *testing.T) {
	c := newFakeCollector()
	c.startErr = errors.New("proc unavailable")
	ag := fleetagent.New(minimalConfig(), noopLogger(),
		fleetagent.WithCollectors(c),
	)

	if err := ag.Start(context.Background()); err == nil {
		t.Fatal("expected error when collector fails to start, got nil")
	}
}

func TestAgentEventFlowToQueueAndTransport(t *testing.T) {
	c := newFakeCollector()
	q := &fakeQueue{}
	tr := &fakeTransport{}

	ag := fleetagent.New(minimalConfig(), noopLogger(),
		fleetagent.WithCollectors(c),
		fleetagent.WithQueue(q),
		fleetagent.WithTransport(tr),
	)

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c.events <- fleetagent.Event{
		Kind:      fleetagent.EventHeartbeat,
		Timestamp: time.Now(),
		Heartbeat: &ingestpb.HeartbeatRequest{Tier: ingestpb.HeartbeatTierMachine},
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(q.enqueued) > 0 && len(tr.sent) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ag.Stop()

	if len(q.enqueued) != 1 {
		t.Errorf("queue.enqueued = %d, want 1", len(q.enqueued))
	}
	if len(tr.sent) != 1 {
		t.Errorf("transport.sent = %d, want 1", len(tr.sent))
	}
	if !tr.stopped {
		t.Error("transport.Stop was not called")
	}
}

func TestAgentHealthzEndpointReturns200WithJSON(t *testing.T) {
	ag := fleetagent.New(minimalConfig(), noopLogger())

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ag.Stop()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	ag.HealthzHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var h fleetagent.HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("status = %q, want %q", h.Status, "ok")
	}
}

func TestAgentHealthzEndpointQueueDepth(t *testing.T) {
	q := &fakeQueue{enqueued: []fleetagent.Event{{}, {}}}
	ag := fleetagent.New(minimalConfig(), noopLogger(),
		fleetagent.WithQueue(q),
	)

	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ag.Stop()

	h := ag.Health()
	if h.QueueDepth != 2 {
		t.Errorf("QueueDepth = %d, want 2", h.QueueDepth)
	}
}

func TestAgentStartTwiceFails(t *testing.T) {
	ag := fleetagent.New(minimalConfig(), noopLogger())
	ctx := context.Background()
	if err := ag.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ag.Stop()

	if err := ag.Start(ctx); err == nil {
		t.Fatal("expected error starting an already-running agent")
	}
}
