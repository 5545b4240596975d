// Package heartbeat implements the heartbeat engine (C3): it tracks
// last-seen timestamps for the three entity tiers (client, machine, node)
// and raises or resolves liveness alerts when a tier's threshold is
// crossed.
//
// Heartbeat updates are a commutative CRDT — observe always merges with
// max(prev, ts) — so concurrent observations for the same key converge
// regardless of arrival order (§5). The reaper that drives rising/falling
// edges runs on its own schedule and only ever reads a snapshot before
// diffing against active alerts, making a full reap eventually consistent
// but race-free: a heartbeat arriving between snapshot and diff merely
// postpones the next rising edge by one tick.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fleetwatch/core/internal/store"
)

// Thresholds are the default per-tier liveness windows (§4.3).
const (
	DefaultClientThreshold  = 300 * time.Second
	DefaultMachineThreshold = 180 * time.Second
	DefaultNodeThreshold    = 180 * time.Second

	// DefaultReapInterval is the reaper's cadence; ticks are single-flight
	// guarded so a slow reap never overlaps the next tick (§4.3).
	DefaultReapInterval = 30 * time.Second
)

// fingerprintNamespace seeds the deterministic alert-id derivation (I2) for
// heartbeat alerts, analogous to the teacher's use of uuid.NewSHA1 for
// candidate host ids in grpc/server.go.
var fingerprintNamespace = uuid.MustParse("6f6e6f7d-7f26-4f0c-9f6b-2f7b6e6c4e1a")

// Store is the subset of the telemetry store (C2) the heartbeat engine
// needs.
type Store interface {
	ObserveHeartbeat(ctx context.Context, orgID string, tier store.HeartbeatTier, key string, ts time.Time) error
	ListStaleHeartbeats(ctx context.Context, tier store.HeartbeatTier, now time.Time, threshold time.Duration) ([]store.HeartbeatRow, error)
	ListFreshHeartbeats(ctx context.Context, tier store.HeartbeatTier, now time.Time, threshold time.Duration) ([]store.HeartbeatRow, error)
}

// AlertSink is the narrow seam into the alert state machine (C4) that the
// reaper activates/resolves heartbeat alerts through.
type AlertSink interface {
	Activate(ctx context.Context, a store.Alert) (store.Alert, error)
	Resolve(ctx context.Context, scope store.AlertScope, orgID, alertID string, now time.Time) error
}

// Thresholds configures the per-tier liveness windows.
type Thresholds struct {
	Client  time.Duration
	Machine time.Duration
	Node    time.Duration
}

func (t Thresholds) forTier(tier store.HeartbeatTier) time.Duration {
	switch tier {
	case store.TierClient:
		if t.Client > 0 {
			return t.Client
		}
		return DefaultClientThreshold
	case store.TierMachine:
		if t.Machine > 0 {
			return t.Machine
		}
		return DefaultMachineThreshold
	default:
		if t.Node > 0 {
			return t.Node
		}
		return DefaultNodeThreshold
	}
}

var kindForTier = map[store.HeartbeatTier]store.AlertKind{
	store.TierClient:  store.AlertClientNotResponding,
	store.TierMachine: store.AlertMachineNotResponding,
	store.TierNode:    store.AlertNodeNotResponding,
}

// Engine is the heartbeat engine. Create one with New.
type Engine struct {
	store      Store
	alerts     AlertSink
	thresholds Thresholds
	logger     *slog.Logger

	reapMu  sync.Mutex // single-flights Reap so overlapping ticks never run concurrently
	reaping bool

	cron      *cron.Cron
	cronEntry cron.EntryID
}

// Option configures an Engine.
type Option func(*Engine)

// WithThresholds overrides the default per-tier thresholds.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) { e.thresholds = t }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine backed by s and wired to sink for alert
// activation/resolution.
func New(s Store, sink AlertSink, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		alerts: sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Observe records a heartbeat for (tier, key), merging last-seen as
// max(prev, ts) (I5, P1, P5).
func (e *Engine) Observe(ctx context.Context, orgID string, tier store.HeartbeatTier, key string, ts time.Time) error {
	if err := e.store.ObserveHeartbeat(ctx, orgID, tier, key, ts); err != nil {
		return fmt.Errorf("heartbeat: observe %s/%s: %w", tier, key, err)
	}
	return nil
}

// StartReaper schedules Reap to run on DefaultReapInterval using
// robfig/cron/v3. The cron runs each tick in its own goroutine with no
// skip-if-still-running wrapper; Reap's single-flight guard makes a tick
// that overlaps a run still in progress return immediately, so runs never
// stack up.
func (e *Engine) StartReaper(tiers []store.HeartbeatTier) error {
	e.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", DefaultReapInterval)
	id, err := e.cron.AddFunc(spec, func() {
		if err := e.Reap(context.Background(), time.Now(), tiers); err != nil {
			e.logger.Error("heartbeat reap failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("heartbeat: schedule reaper: %w", err)
	}
	e.cronEntry = id
	e.cron.Start()
	return nil
}

// StopReaper stops the scheduled reaper.
func (e *Engine) StopReaper() {
	if e.cron != nil {
		e.cron.Stop()
	}
}

// Reap scans every tier for rising- and falling-edge transitions (§4.3).
// Concurrent calls to Reap are single-flighted: a call that arrives while
// another is in-flight returns immediately with no error, since the
// in-flight reap will itself observe any state as of its own snapshot.
func (e *Engine) Reap(ctx context.Context, now time.Time, tiers []store.HeartbeatTier) error {
	e.reapMu.Lock()
	if e.reaping {
		e.reapMu.Unlock()
		return nil
	}
	e.reaping = true
	e.reapMu.Unlock()
	defer func() {
		e.reapMu.Lock()
		e.reaping = false
		e.reapMu.Unlock()
	}()

	for _, tier := range tiers {
		threshold := e.thresholds.forTier(tier)
		kind := kindForTier[tier]

		stale, err := e.store.ListStaleHeartbeats(ctx, tier, now, threshold)
		if err != nil {
			return fmt.Errorf("heartbeat: list stale %s: %w", tier, err)
		}
		for _, row := range stale {
			if err := e.riseAlert(ctx, row, kind); err != nil {
				e.logger.Error("heartbeat rising edge failed", slog.String("tier", string(tier)), slog.String("key", row.Key), slog.Any("error", err))
			}
		}

		fresh, err := e.store.ListFreshHeartbeats(ctx, tier, now, threshold)
		if err != nil {
			return fmt.Errorf("heartbeat: list fresh %s: %w", tier, err)
		}
		for _, row := range fresh {
			if err := e.fallAlert(ctx, row, kind, now); err != nil {
				e.logger.Error("heartbeat falling edge failed", slog.String("tier", string(tier)), slog.String("key", row.Key), slog.Any("error", err))
			}
		}
	}
	return nil
}

// Fingerprint derives the deterministic alert-id for a heartbeat alert of
// kind on entity key (I2): the same (kind, key) always yields the same
// alert-id, so re-raising a still-firing condition is naturally idempotent.
func Fingerprint(kind store.AlertKind, key string) string {
	return uuid.NewSHA1(fingerprintNamespace, []byte(string(kind)+"|"+key)).String()
}

func (e *Engine) riseAlert(ctx context.Context, row store.HeartbeatRow, kind store.AlertKind) error {
	a := store.Alert{
		AlertID:        Fingerprint(kind, row.Key),
		OrganizationID: row.OrganizationID,
		Scope:          kind.ScopeOf(),
		Kind:           kind,
		Payload:        entityPayload(row),
	}
	switch kind.ScopeOf() {
	case store.ScopeMachine:
		a.MachineID = row.Key
	case store.ScopeNode:
		a.NodeName = row.Key
	}
	_, err := e.alerts.Activate(ctx, a)
	return err
}

func (e *Engine) fallAlert(ctx context.Context, row store.HeartbeatRow, kind store.AlertKind, now time.Time) error {
	alertID := Fingerprint(kind, row.Key)
	return e.alerts.Resolve(ctx, kind.ScopeOf(), row.OrganizationID, alertID, now)
}

func entityPayload(row store.HeartbeatRow) []byte {
	return []byte(fmt.Sprintf(`{"key":%q,"tier":%q}`, row.Key, row.Tier))
}
