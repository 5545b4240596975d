package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fleetwatch/core/internal/store"
)

// DefaultTickInterval is the driver's cadence, matching the heartbeat
// reaper's cron-based scheduling style.
const DefaultTickInterval = 30 * time.Second

// Store is the subset of the telemetry store (C2) the rule driver needs to
// build a per-organization snapshot and diff against active alerts.
type Store interface {
	ActiveSetLookup

	ListOrganizations(ctx context.Context) ([]store.Organization, error)
	ListNodesByOrganization(ctx context.Context, orgID string) ([]store.NodeWithOwner, error)
	ListMachineFactsByOrganization(ctx context.Context, orgID string) ([]store.MachineFacts, error)
	ListMetricsByOrganization(ctx context.Context, orgID string) ([]store.MetricSample, error)
	ListFreshHeartbeats(ctx context.Context, tier store.HeartbeatTier, now time.Time, threshold time.Duration) ([]store.HeartbeatRow, error)
	ListActiveAlerts(ctx context.Context, scope store.AlertScope, orgID string, kind store.AlertKind) ([]store.Alert, error)
}

// AlertSink is the narrow seam into the alert state machine (C4) the driver
// activates/resolves rule-engine alerts through.
type AlertSink interface {
	Activate(ctx context.Context, a store.Alert) (store.Alert, error)
	Resolve(ctx context.Context, scope store.AlertScope, orgID, alertID string, now time.Time) error
}

// nonLivenessKinds is every alert kind this driver evaluates; the three
// heartbeat-liveness kinds belong to internal/heartbeat's reaper instead.
var nonLivenessKinds = []store.AlertKind{
	store.AlertIdleMachine,
	store.AlertNodeNeedsUpdate,
	store.AlertNodeNeedsImmediateUpdate,
	store.AlertUnregisteredFromActiveSet,
	store.AlertNoChainInfo,
	store.AlertNoMetrics,
	store.AlertHardwareOverThreshold,
	store.AlertLowPerformance,
}

// Driver runs every rule against a per-organization snapshot on a schedule
// and diffs the result against active alerts. Create one with New.
type Driver struct {
	store      Store
	alerts     AlertSink
	matcher    Matcher
	thresholds Thresholds
	logger     *slog.Logger

	tickMu  sync.Mutex // single-flights Tick per organization, the same way heartbeat.Engine single-flights Reap
	ticking map[string]bool

	cron      *cron.Cron
	cronEntry cron.EntryID

	nudgeMu      sync.Mutex
	nudgePending map[string]bool
	nudgeWindow  time.Duration
}

// DefaultNudgeWindow is how long Nudge coalesces repeated nudges for the
// same organization before running an out-of-band Tick (§4.7: "coalesced
// per (entity, rule) within a short window (e.g., 1s)"); the driver
// coalesces at organization granularity rather than per (entity, rule)
// since Tick already evaluates every rule for the whole organization in one
// pass.
const DefaultNudgeWindow = 1 * time.Second

// Option configures a Driver.
type Option func(*Driver)

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(d *Driver) { d.thresholds = t }
}

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// New creates a Driver backed by s, activating/resolving through sink and
// running C5 version matches through matcher.
func New(s Store, sink AlertSink, matcher Matcher, opts ...Option) *Driver {
	d := &Driver{
		store:        s,
		alerts:       sink,
		matcher:      matcher,
		thresholds:   DefaultThresholds(),
		logger:       slog.Default(),
		ticking:      make(map[string]bool),
		nudgePending: make(map[string]bool),
		nudgeWindow:  DefaultNudgeWindow,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StartScheduled schedules TickAll to run on DefaultTickInterval.
func (d *Driver) StartScheduled() error {
	d.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", DefaultTickInterval)
	id, err := d.cron.AddFunc(spec, func() {
		if err := d.TickAll(context.Background(), time.Now()); err != nil {
			d.logger.Error("rules: tick failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("rules: schedule driver: %w", err)
	}
	d.cronEntry = id
	d.cron.Start()
	return nil
}

// Stop stops the scheduled driver.
func (d *Driver) Stop() {
	if d.cron != nil {
		d.cron.Stop()
	}
}

// TickAll evaluates every organization's rules. A failure evaluating one
// organization is logged and does not prevent the others from running.
func (d *Driver) TickAll(ctx context.Context, now time.Time) error {
	orgs, err := d.store.ListOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("rules: list organizations: %w", err)
	}
	for _, org := range orgs {
		if err := d.Tick(ctx, org.OrganizationID, now); err != nil {
			d.logger.Error("rules: tick organization failed", slog.String("org", org.OrganizationID), slog.Any("error", err))
		}
	}
	return nil
}

// Tick evaluates every rule for one organization and diffs the result
// against active alerts (§4.8): new fingerprints activate, fingerprints no
// longer firing resolve. Concurrent ticks for distinct organizations are
// independent; concurrent ticks for the same organization are
// single-flighted the same way heartbeat.Engine single-flights Reap.
func (d *Driver) Tick(ctx context.Context, orgID string, now time.Time) error {
	d.tickMu.Lock()
	if d.ticking[orgID] {
		d.tickMu.Unlock()
		return nil
	}
	d.ticking[orgID] = true
	d.tickMu.Unlock()
	defer func() {
		d.tickMu.Lock()
		delete(d.ticking, orgID)
		d.tickMu.Unlock()
	}()

	nodes, err := d.store.ListNodesByOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("rules: list nodes: %w", err)
	}
	facts, err := d.store.ListMachineFactsByOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("rules: list machine facts: %w", err)
	}
	metrics, err := d.store.ListMetricsByOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("rules: list metrics: %w", err)
	}
	freshMachines, err := d.store.ListFreshHeartbeats(ctx, store.TierMachine, now, d.thresholds.IdleWindow)
	if err != nil {
		return fmt.Errorf("rules: list fresh machine heartbeats: %w", err)
	}

	findings := map[store.AlertKind][]Finding{
		store.AlertNoChainInfo:               noChainInfo(nodes),
		store.AlertNoMetrics:                 noMetrics(nodes),
		store.AlertIdleMachine:               idleMachine(freshMachines, nodes, now, d.thresholds.IdleWindow),
		store.AlertHardwareOverThreshold:     hardwareOverThreshold(facts, d.thresholds),
		store.AlertLowPerformance:            lowPerformance(metrics, d.thresholds.PerfFloors),
		store.AlertUnregisteredFromActiveSet: unregisteredFromActiveSet(ctx, nodes, d.store, d.logger),
	}
	versionFindings := nodeNeedsUpdate(ctx, nodes, d.matcher, now, d.logger)
	for _, f := range versionFindings {
		findings[f.Kind] = append(findings[f.Kind], f)
	}

	for _, kind := range nonLivenessKinds {
		if err := d.diff(ctx, orgID, kind, findings[kind], now); err != nil {
			d.logger.Error("rules: diff failed", slog.String("kind", string(kind)), slog.Any("error", err))
		}
	}
	return nil
}

// Nudge schedules a single out-of-band Tick for orgID after the nudge
// window, used by the ingestion frontend (C7) to get a fresher alert
// evaluation than waiting for the next scheduled tick without running one
// Tick per inbound message during a burst. Repeated nudges for the same
// organization inside the window collapse into the one pending Tick.
func (d *Driver) Nudge(orgID string) {
	d.nudgeMu.Lock()
	if d.nudgePending[orgID] {
		d.nudgeMu.Unlock()
		return
	}
	d.nudgePending[orgID] = true
	d.nudgeMu.Unlock()

	time.AfterFunc(d.nudgeWindow, func() {
		d.nudgeMu.Lock()
		delete(d.nudgePending, orgID)
		d.nudgeMu.Unlock()

		if err := d.Tick(context.Background(), orgID, time.Now()); err != nil {
			d.logger.Error("rules: nudged tick failed", slog.String("org", orgID), slog.Any("error", err))
		}
	})
}

// diff activates every finding not already active and resolves every active
// alert of kind whose fingerprint is no longer in firing.
func (d *Driver) diff(ctx context.Context, orgID string, kind store.AlertKind, firing []Finding, now time.Time) error {
	scope := kind.ScopeOf()

	active, err := d.store.ListActiveAlerts(ctx, scope, orgID, kind)
	if err != nil {
		return fmt.Errorf("list active alerts for %s: %w", kind, err)
	}
	activeIDs := make(map[string]bool, len(active))
	for _, a := range active {
		activeIDs[a.AlertID] = true
	}

	firingIDs := make(map[string]bool, len(firing))
	for _, f := range firing {
		alertID := Fingerprint(kind, f.Key)
		firingIDs[alertID] = true
		if activeIDs[alertID] {
			continue
		}
		a := store.Alert{
			AlertID:        alertID,
			OrganizationID: orgID,
			Scope:          scope,
			MachineID:      f.MachineID,
			NodeName:       f.NodeName,
			Kind:           kind,
			Payload:        f.Payload,
		}
		if _, err := d.alerts.Activate(ctx, a); err != nil {
			return fmt.Errorf("activate %s %s: %w", kind, alertID, err)
		}
	}

	for _, a := range active {
		if firingIDs[a.AlertID] {
			continue
		}
		if err := d.alerts.Resolve(ctx, scope, orgID, a.AlertID, now); err != nil {
			return fmt.Errorf("resolve %s %s: %w", kind, a.AlertID, err)
		}
	}
	return nil
}
