package fleetagent_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fleetwatch/core/internal/fleetagent"
)

type fakeStatsReader struct {
	stats fleetagent.MachineStats
	err   error
}

func (r *fakeStatsReader) Read() (fleetagent.MachineStats, error) {
	return r.stats, r.err
}

func expectMachineEvent(t *testing.T, ch <-chan fleetagent.Event, d time.Duration) fleetagent.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatal("events channel closed before receiving an event")
		}
		return evt
	case <-time.After(d):
		t.Fatalf("timed out waiting for event after %v", d)
	}
	return fleetagent.Event{}
}

func TestMachineCollectorEmitsSnapshot(t *testing.T) {
	reader := &fakeStatsReader{stats: fleetagent.MachineStats{
		UptimeSec:     3600,
		CPUUsagePct:   42.5,
		CPUCores:      8,
		MemUsedBytes:  1000,
		MemFreeBytes:  2000,
		MemTotalBytes: 3000,
	}}
	c := fleetagent.NewMachineCollector(reader, "v1.2.3", silentLogger(),
		fleetagent.WithMachinePollInterval(10*time.Millisecond))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	evt := expectMachineEvent(t, c.Events(), time.Second)
	if evt.Kind != fleetagent.EventMachineData {
		t.Errorf("Kind = %q, want %q", evt.Kind, fleetagent.EventMachineData)
	}
	if evt.MachineData == nil {
		t.Fatal("MachineData is nil")
	}
	if evt.MachineData.UptimeSec != 3600 {
		t.Errorf("UptimeSec = %d, want 3600", evt.MachineData.UptimeSec)
	}
	if evt.MachineData.AgentVersion != "v1.2.3" {
		t.Errorf("AgentVersion = %q, want v1.2.3", evt.MachineData.AgentVersion)
	}
}

func TestMachineCollectorSkipsOnReadError(t *testing.T) {
	reader := &fakeStatsReader{err: os.ErrNotExist}
	c := fleetagent.NewMachineCollector(reader, "v1.2.3", silentLogger(),
		fleetagent.WithMachinePollInterval(10*time.Millisecond))

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case evt, ok := <-c.Events():
		if ok {
			t.Fatalf("expected no event on read error, got %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
	c.Stop()
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}
