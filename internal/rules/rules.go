// Package rules implements the alert rules engine (C8): a set of pure
// functions of a per-organization snapshot, each returning the set of
// fingerprints currently firing for one rule. Driver.Tick diffs that set
// against the currently-active alerts of the same (entity, rule) kind and
// drives activation/resolution through the alert state machine (C4) — the
// three liveness rules (NodeNotResponding/MachineNotResponding/
// ClientNotResponding) are owned by internal/heartbeat's own reaper and are
// not duplicated here.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwatch/core/internal/store"
	"github.com/fleetwatch/core/internal/versionmatch"
)

var fingerprintNamespace = uuid.MustParse("8a2f6c1e-4b3d-4f7a-9e2c-0d5b7a6f3c8e")

// Fingerprint derives the deterministic alert-id for a rule-engine alert
// (I2): the same (kind, key) always maps to the same alert-id, so
// re-evaluating an already-firing condition is naturally idempotent.
func Fingerprint(kind store.AlertKind, key string) string {
	return uuid.NewSHA1(fingerprintNamespace, []byte(string(kind)+"|"+key)).String()
}

// Finding is one fingerprint a rule reports as currently firing.
type Finding struct {
	Kind      store.AlertKind
	Key       string // the value Fingerprint hashes; also used to locate the entity
	MachineID string
	NodeName  string
	Payload   json.RawMessage
}

// Thresholds configures the percentage- and floor-based rules.
type Thresholds struct {
	CPUPct     float64
	MemPct     float64
	DiskPct    float64
	IdleWindow time.Duration
	PerfFloors map[string]float64 // metric name -> minimum acceptable value
}

// DefaultThresholds mirrors the percentages a fleet operator would set as a
// sane first cut.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUPct:     90,
		MemPct:     90,
		DiskPct:    90,
		IdleWindow: 10 * time.Minute,
		PerfFloors: map[string]float64{},
	}
}

// Matcher is the subset of the version matcher (C5) the NodeNeedsUpdate rule
// needs.
type Matcher interface {
	Match(ctx context.Context, nodeName, digest, chain string, now time.Time) (versionmatch.Result, error)
}

// nodeNeedsUpdate runs C5's matcher over every node that reports a manifest
// digest and a chain, turning an AlertDue result into a Finding keyed by
// versionmatch's own fingerprint components so repeated evaluation during
// the same stale-digest window stays idempotent (I2).
func nodeNeedsUpdate(ctx context.Context, nodes []store.NodeWithOwner, matcher Matcher, now time.Time, logger *slog.Logger) []Finding {
	var out []Finding
	for _, n := range nodes {
		if n.Manifest == "" || n.Chain == "" {
			continue
		}
		result, err := matcher.Match(ctx, n.Name, n.Manifest, n.Chain, now)
		if err != nil {
			logger.Error("rules: version match failed", slog.String("node", n.Name), slog.Any("error", err))
			continue
		}
		if !result.AlertDue {
			continue
		}
		key := fmt.Sprintf("%s/%s|%s|%s|%t", n.MachineID, n.Name, result.NodeType, result.ExpectedDigest, result.ImmediateUpdate)
		out = append(out, Finding{
			Kind:      result.AlertKind,
			Key:       key,
			MachineID: n.MachineID,
			NodeName:  n.Name,
			Payload: []byte(fmt.Sprintf(`{"node_type":%q,"current_digest":%q,"expected_tag":%q,"expected_digest":%q}`,
				result.NodeType, n.Manifest, result.ExpectedTag, result.ExpectedDigest)),
		})
	}
	return out
}

// noChainInfo fires when a node has a known node_type but no chain
// configured (§4.8).
func noChainInfo(nodes []store.NodeWithOwner) []Finding {
	var out []Finding
	for _, n := range nodes {
		if n.NodeType == "" || n.NodeType == "unknown" || n.Chain != "" {
			continue
		}
		key := n.MachineID + "/" + n.Name
		out = append(out, Finding{
			Kind:      store.AlertNoChainInfo,
			Key:       key,
			MachineID: n.MachineID,
			NodeName:  n.Name,
			Payload:   nodePayload(n),
		})
	}
	return out
}

// noMetrics fires when a node is running but reporting no metrics (§4.8).
func noMetrics(nodes []store.NodeWithOwner) []Finding {
	var out []Finding
	for _, n := range nodes {
		if !n.NodeRunning || n.MetricsAlive {
			continue
		}
		key := n.MachineID + "/" + n.Name
		out = append(out, Finding{
			Kind:      store.AlertNoMetrics,
			Key:       key,
			MachineID: n.MachineID,
			NodeName:  n.Name,
			Payload:   nodePayload(n),
		})
	}
	return out
}

// idleMachine fires when a machine is heartbeating but none of its nodes
// have been updated within the idle window (§4.8).
func idleMachine(freshMachines []store.HeartbeatRow, nodes []store.NodeWithOwner, now time.Time, window time.Duration) []Finding {
	latestPerMachine := map[string]time.Time{}
	for _, n := range nodes {
		if t, ok := latestPerMachine[n.MachineID]; !ok || n.UpdatedAt.After(t) {
			latestPerMachine[n.MachineID] = n.UpdatedAt
		}
	}

	var out []Finding
	for _, row := range freshMachines {
		last, hasNodes := latestPerMachine[row.Key]
		if hasNodes && now.Sub(last) < window {
			continue
		}
		out = append(out, Finding{
			Kind:      store.AlertIdleMachine,
			Key:       row.Key,
			MachineID: row.Key,
			Payload:   []byte(fmt.Sprintf(`{"machine_id":%q}`, row.Key)),
		})
	}
	return out
}

// hardwareOverThreshold fires when a machine's latest facts exceed any of
// the configured CPU/mem/disk percentage thresholds (§4.8).
func hardwareOverThreshold(facts []store.MachineFacts, t Thresholds) []Finding {
	var out []Finding
	for _, f := range facts {
		memPct := 0.0
		if f.MemTotal > 0 {
			memPct = float64(f.MemUsedBytes) / float64(f.MemTotal) * 100
		}
		overCPU := f.CPUUsagePct >= t.CPUPct
		overMem := memPct >= t.MemPct
		overDisk := false
		for _, d := range f.Disks {
			if d.TotalBytes == 0 {
				continue
			}
			pct := float64(d.UsedBytes) / float64(d.TotalBytes) * 100
			if pct >= t.DiskPct {
				overDisk = true
				break
			}
		}
		if !overCPU && !overMem && !overDisk {
			continue
		}
		out = append(out, Finding{
			Kind:      store.AlertHardwareOverThreshold,
			Key:       f.MachineID,
			MachineID: f.MachineID,
			Payload: []byte(fmt.Sprintf(`{"machine_id":%q,"cpu_pct":%.2f,"mem_pct":%.2f}`,
				f.MachineID, f.CPUUsagePct, memPct)),
		})
	}
	return out
}

// lowPerformance fires when a metric sample falls below its configured
// floor (§4.8). Samples are matched to a node by (machine_id, avs_name),
// since the fleet agent reports per-service metrics under the node's
// service name.
func lowPerformance(samples []store.MetricSample, floors map[string]float64) []Finding {
	var out []Finding
	for _, s := range samples {
		floor, ok := floors[s.Name]
		if !ok || s.Value >= floor {
			continue
		}
		key := s.MachineID + "/" + s.AVSName + "/" + s.Name
		out = append(out, Finding{
			Kind:      store.AlertLowPerformance,
			Key:       key,
			MachineID: s.MachineID,
			NodeName:  s.AVSName,
			Payload:   []byte(fmt.Sprintf(`{"metric":%q,"value":%v}`, s.Name, s.Value)),
		})
	}
	return out
}

// ActiveSetLookup resolves an operator's active-set membership for an
// inferred (directory, chain) pair. The avs-directory is inferred as the
// node's node_type, since this repo has no separate directory-address
// registry; it is the simplest reading of §4.8's "inferred avs-directory"
// that does not require shipping one.
type ActiveSetLookup interface {
	GetActiveSetMembership(ctx context.Context, directory, operator string, chainID int64) (store.ActiveSetMembership, bool, error)
}

// unregisteredFromActiveSet fires when a node identifies an operator and a
// known node_type but the active-set registry says that operator is not
// active for the node's chain (§4.8). Nodes whose chain does not parse as a
// numeric chain-id are skipped rather than guessed at.
func unregisteredFromActiveSet(ctx context.Context, nodes []store.NodeWithOwner, lookup ActiveSetLookup, logger *slog.Logger) []Finding {
	var out []Finding
	for _, n := range nodes {
		if n.NodeType == "" || n.NodeType == "unknown" || n.OperatorAddress == "" || n.Chain == "" {
			continue
		}
		chainID, err := strconv.ParseInt(n.Chain, 10, 64)
		if err != nil {
			continue
		}
		membership, found, err := lookup.GetActiveSetMembership(ctx, n.NodeType, n.OperatorAddress, chainID)
		if err != nil {
			logger.Error("rules: active-set lookup failed", slog.String("node", n.Name), slog.Any("error", err))
			continue
		}
		if !found || membership.Active {
			continue
		}
		key := n.MachineID + "/" + n.Name
		out = append(out, Finding{
			Kind:      store.AlertUnregisteredFromActiveSet,
			Key:       key,
			MachineID: n.MachineID,
			NodeName:  n.Name,
			Payload: []byte(fmt.Sprintf(`{"operator_address":%q,"avs_directory":%q,"chain_id":%d}`,
				n.OperatorAddress, n.NodeType, chainID)),
		})
	}
	return out
}

func nodePayload(n store.NodeWithOwner) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"machine_id":%q,"node_name":%q,"node_type":%q}`, n.MachineID, n.Name, n.NodeType))
}
