package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetwatch/core/internal/verify"
)

const (
	// DefaultBatchSize is the maximum number of metric samples held
	// in-memory before an automatic flush is triggered.
	DefaultBatchSize = 200

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending samples even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed telemetry store (C2).
//
// Metric writes are batched the way the teacher batches alert inserts:
// callers enqueue individual samples via PutMetrics, which accumulates them
// in memory and flushes to the database either when the buffer reaches
// batchSize or when the background ticker fires, whichever comes first.
// Every other operation executes immediately, since logs are append-only
// and node/machine/alert/catalog writes are low-volume relative to metrics.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []metricRow
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

type metricRow struct {
	MachineID string
	Sample    MetricSample
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]metricRow, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining buffered
// samples, and closes the connection pool. Safe to call more than once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.flushMetrics(ctx)
	}
	s.pool.Close()
}

// Ping checks that the connection pool can still reach the database, for
// the admin HTTP readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.flushMetrics(context.Background())
		}
	}
}

// PutMetrics replaces the current gauge value for each sample's
// (machine, avs_name, name, attributes) key (§4.2). Samples are buffered
// and flushed in batches; if the buffer reaches batchSize after appending,
// flushMetrics runs synchronously so the caller observes back-pressure.
func (s *Store) PutMetrics(ctx context.Context, machineID string, samples []MetricSample) error {
	s.mu.Lock()
	for _, sample := range samples {
		sample.MachineID = machineID
		s.batch = append(s.batch, metricRow{MachineID: machineID, Sample: sample})
	}
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.flushMetrics(ctx)
	}
	return nil
}

// flushMetrics drains the buffered metric rows and upserts them in a single
// pgx.Batch round-trip. Each row replaces the prior gauge value for the same
// key (ON CONFLICT DO UPDATE), matching the "current-state gauge" semantics
// of §4.2 rather than an append-only log.
func (s *Store) flushMetrics(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]metricRow, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO metric_samples
			(machine_id, avs_name, name, value, attributes, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (machine_id, avs_name, name, attributes) DO UPDATE SET
			value       = EXCLUDED.value,
			observed_at = EXCLUDED.observed_at`

	b := &pgx.Batch{}
	for i := range toInsert {
		row := &toInsert[i]
		attrs, err := json.Marshal(row.Sample.Attributes)
		if err != nil {
			return fmt.Errorf("marshal metric attributes: %w", err)
		}
		ts := row.Sample.ObservedAt
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		b.Queue(query, row.MachineID, row.Sample.AVSName, row.Sample.Name, row.Sample.Value, attrs, ts)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec metric: %w", err)
		}
	}
	return nil
}

// PutLog appends a log record; either MachineID or ClientAddr must be set
// to scope it (§3 Telemetry entities).
func (s *Store) PutLog(ctx context.Context, rec LogRecord) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("marshal log attributes: %w", err)
	}
	ts := rec.ObservedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO log_records
			(record_id, machine_id, client_addr, avs_name, body, severity, attributes, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.RecordID, nullableStr(rec.MachineID), nullableStr(rec.ClientAddr),
		nullableStr(rec.AVSName), rec.Body, string(rec.Severity), attrs, ts,
	)
	if err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	return nil
}

// UpsertNodeInventory applies set-if-present semantics to node_type,
// manifest, metrics_alive, node_running (§4.2). Passing a nil pointer for a
// field leaves the existing column value unchanged.
func (s *Store) UpsertNodeInventory(ctx context.Context, machineID, name string, nodeType, manifest *string, metricsAlive, nodeRunning *bool, chain *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (machine_id, name, node_type, manifest, metrics_alive, node_running, chain, updated_at)
		VALUES ($1, $2, COALESCE($3, 'unknown'), $4, COALESCE($5, false), COALESCE($6, false), $7, now())
		ON CONFLICT (machine_id, name) DO UPDATE SET
			node_type     = COALESCE($3, nodes.node_type),
			manifest      = COALESCE($4, nodes.manifest),
			metrics_alive = COALESCE($5, nodes.metrics_alive),
			node_running  = COALESCE($6, nodes.node_running),
			chain         = COALESCE($7, nodes.chain),
			updated_at    = now()`,
		machineID, name, nodeType, manifest, metricsAlive, nodeRunning, chain,
	)
	if err != nil {
		return fmt.Errorf("upsert node inventory %s/%s: %w", machineID, name, err)
	}
	return nil
}

// GetNode returns the node at (machineID, name), or found=false when absent.
func (s *Store) GetNode(ctx context.Context, machineID, name string) (Node, bool, error) {
	var n Node
	err := s.pool.QueryRow(ctx, `
		SELECT machine_id, name, node_type, COALESCE(manifest, ''), metrics_alive, node_running, COALESCE(chain, ''), updated_at
		FROM   nodes
		WHERE  machine_id = $1 AND name = $2`, machineID, name,
	).Scan(&n.MachineID, &n.Name, &n.NodeType, &n.Manifest, &n.MetricsAlive, &n.NodeRunning, &n.Chain, &n.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Node{}, false, nil
		}
		return Node{}, false, fmt.Errorf("get node %s/%s: %w", machineID, name, err)
	}
	return n, true, nil
}

// RenameNode renames the node row at (machineID, oldName). No other table
// references nodes by name, so only that row changes: metric samples, log
// records, heartbeats and node-scope alert rows recorded under the old name
// keep it.
func (s *Store) RenameNode(ctx context.Context, machineID, oldName, newName string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nodes SET name = $3, updated_at = now()
		WHERE  machine_id = $1 AND name = $2`, machineID, oldName, newName)
	if err != nil {
		return fmt.Errorf("rename node %s/%s->%s: %w", machineID, oldName, newName, err)
	}
	return nil
}

// PutMachineFacts upserts the latest hardware/runtime snapshot for a
// machine.
func (s *Store) PutMachineFacts(ctx context.Context, f MachineFacts) error {
	disks, err := json.Marshal(f.Disks)
	if err != nil {
		return fmt.Errorf("marshal disk facts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO machine_facts
			(machine_id, uptime_sec, cpu_usage_pct, cpu_cores, mem_used_bytes, mem_free_bytes, mem_total_bytes, disks, agent_version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (machine_id) DO UPDATE SET
			uptime_sec      = EXCLUDED.uptime_sec,
			cpu_usage_pct   = EXCLUDED.cpu_usage_pct,
			cpu_cores       = EXCLUDED.cpu_cores,
			mem_used_bytes  = EXCLUDED.mem_used_bytes,
			mem_free_bytes  = EXCLUDED.mem_free_bytes,
			mem_total_bytes = EXCLUDED.mem_total_bytes,
			disks           = EXCLUDED.disks,
			agent_version   = EXCLUDED.agent_version,
			updated_at      = now()`,
		f.MachineID, f.UptimeSec, f.CPUUsagePct, f.CPUCores,
		f.MemUsedBytes, f.MemFreeBytes, f.MemTotal, disks, f.AgentVersion,
	)
	if err != nil {
		return fmt.Errorf("put machine facts %s: %w", f.MachineID, err)
	}
	return nil
}

// GetMachineFacts returns the latest facts snapshot for a machine.
func (s *Store) GetMachineFacts(ctx context.Context, machineID string) (MachineFacts, bool, error) {
	var f MachineFacts
	var disks []byte
	err := s.pool.QueryRow(ctx, `
		SELECT machine_id, uptime_sec, cpu_usage_pct, cpu_cores, mem_used_bytes, mem_free_bytes, mem_total_bytes, disks, agent_version, updated_at
		FROM   machine_facts WHERE machine_id = $1`, machineID,
	).Scan(&f.MachineID, &f.UptimeSec, &f.CPUUsagePct, &f.CPUCores, &f.MemUsedBytes, &f.MemFreeBytes, &f.MemTotal, &disks, &f.AgentVersion, &f.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return MachineFacts{}, false, nil
		}
		return MachineFacts{}, false, fmt.Errorf("get machine facts %s: %w", machineID, err)
	}
	if len(disks) > 0 {
		_ = json.Unmarshal(disks, &f.Disks)
	}
	return f, true, nil
}

// PutActiveSetEvent applies an active-set-membership event idempotently:
// the row advances only when (block_number, log_index) moves forward for
// this (avs_directory, operator, chain) key.
func (s *Store) PutActiveSetEvent(ctx context.Context, e ActiveSetMembership) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO active_set_membership
			(avs_directory, avs_address, operator_address, chain_id, active, block_number, log_index)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (avs_directory, operator_address, chain_id) DO UPDATE SET
			avs_address  = EXCLUDED.avs_address,
			active       = EXCLUDED.active,
			block_number = EXCLUDED.block_number,
			log_index    = EXCLUDED.log_index
		WHERE (EXCLUDED.block_number, EXCLUDED.log_index) > (active_set_membership.block_number, active_set_membership.log_index)`,
		e.AVSDirectory, e.AVSAddress, e.OperatorAddress, e.ChainID, e.Active, e.BlockNumber, e.LogIndex,
	)
	if err != nil {
		return fmt.Errorf("put active set event: %w", err)
	}
	return nil
}

// GetActiveSetMembership returns the current membership row for
// (directory, operator, chain).
func (s *Store) GetActiveSetMembership(ctx context.Context, directory, operator string, chain int64) (ActiveSetMembership, bool, error) {
	var m ActiveSetMembership
	err := s.pool.QueryRow(ctx, `
		SELECT avs_directory, avs_address, operator_address, chain_id, active, block_number, log_index
		FROM   active_set_membership
		WHERE  avs_directory = $1 AND operator_address = $2 AND chain_id = $3`, directory, operator, chain,
	).Scan(&m.AVSDirectory, &m.AVSAddress, &m.OperatorAddress, &m.ChainID, &m.Active, &m.BlockNumber, &m.LogIndex)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ActiveSetMembership{}, false, nil
		}
		return ActiveSetMembership{}, false, fmt.Errorf("get active set membership: %w", err)
	}
	return m, true, nil
}

// MaxActiveSetBlock returns the highest block_number recorded for any
// operator under (directory, chain), or found=false if the scanner has
// never reported anything for that key yet.
func (s *Store) MaxActiveSetBlock(ctx context.Context, directory string, chain int64) (int64, bool, error) {
	var block *int64
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(block_number)
		FROM   active_set_membership
		WHERE  avs_directory = $1 AND chain_id = $2`, directory, chain,
	).Scan(&block)
	if err != nil {
		return 0, false, fmt.Errorf("max active set block: %w", err)
	}
	if block == nil {
		return 0, false, nil
	}
	return *block, true, nil
}

// PutMetadataURIEvent appends a metadata-URI history row for an AVS
// address.
func (s *Store) PutMetadataURIEvent(ctx context.Context, e AVSMetadata) error {
	ts := e.ObservedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO avs_metadata
			(avs_address, block_number, log_index, uri, name, description, logo, website, twitter, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.AVSAddress, e.BlockNumber, e.LogIndex, e.URI,
		nullableStr(e.Name), nullableStr(e.Description), nullableStr(e.Logo), nullableStr(e.Website), nullableStr(e.Twitter),
		ts,
	)
	if err != nil {
		return fmt.Errorf("put metadata uri event: %w", err)
	}
	return nil
}

// --- Heartbeats (C3 persistence) ---

// ObserveHeartbeat updates last-seen for (tier, key) to max(prev, ts),
// creating the row on first sight (I5).
func (s *Store) ObserveHeartbeat(ctx context.Context, orgID string, tier HeartbeatTier, key string, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO heartbeats (organization_id, tier, key, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (organization_id, tier, key) DO UPDATE SET
			last_seen = GREATEST(heartbeats.last_seen, EXCLUDED.last_seen)`,
		orgID, string(tier), key, ts,
	)
	if err != nil {
		return fmt.Errorf("observe heartbeat %s/%s: %w", tier, key, err)
	}
	return nil
}

// ListStaleHeartbeats returns every (tier, key) row whose last_seen is
// older than threshold before now, for the reaper's rising-edge scan.
func (s *Store) ListStaleHeartbeats(ctx context.Context, tier HeartbeatTier, now time.Time, threshold time.Duration) ([]HeartbeatRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, tier, key, last_seen
		FROM   heartbeats
		WHERE  tier = $1 AND last_seen < $2`, string(tier), now.Add(-threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale heartbeats: %w", err)
	}
	defer rows.Close()
	return scanHeartbeats(rows)
}

// ListFreshHeartbeats returns every (tier, key) row whose last_seen is at or
// after the threshold cutoff, for the reaper's falling-edge scan.
func (s *Store) ListFreshHeartbeats(ctx context.Context, tier HeartbeatTier, now time.Time, threshold time.Duration) ([]HeartbeatRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, tier, key, last_seen
		FROM   heartbeats
		WHERE  tier = $1 AND last_seen >= $2`, string(tier), now.Add(-threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("list fresh heartbeats: %w", err)
	}
	defer rows.Close()
	return scanHeartbeats(rows)
}

func scanHeartbeats(rows pgx.Rows) ([]HeartbeatRow, error) {
	var out []HeartbeatRow
	for rows.Next() {
		var h HeartbeatRow
		var tier string
		if err := rows.Scan(&h.OrganizationID, &tier, &h.Key, &h.LastSeen); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		h.Tier = HeartbeatTier(tier)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- Version catalog (C5 persistence) ---

// LookupDigest resolves an image digest to its catalogued (node_type,
// version), or found=false when the catalog has no entry (I6).
func (s *Store) LookupDigest(ctx context.Context, digest string) (DigestCatalogEntry, bool, error) {
	var e DigestCatalogEntry
	err := s.pool.QueryRow(ctx, `
		SELECT digest, node_type, version FROM digest_catalog WHERE digest = $1`, digest,
	).Scan(&e.Digest, &e.NodeType, &e.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return DigestCatalogEntry{}, false, nil
		}
		return DigestCatalogEntry{}, false, fmt.Errorf("lookup digest %s: %w", digest, err)
	}
	return e, true, nil
}

// LookupStableVersion resolves the curated stable (tag, digest) for a
// (node_type, chain) pair.
func (s *Store) LookupStableVersion(ctx context.Context, nodeType, chain string) (StableVersion, bool, error) {
	var v StableVersion
	err := s.pool.QueryRow(ctx, `
		SELECT node_type, chain, tag, digest, breaking_change_at
		FROM   stable_versions WHERE node_type = $1 AND chain = $2`, nodeType, chain,
	).Scan(&v.NodeType, &v.Chain, &v.Tag, &v.Digest, &v.BreakingChangeAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return StableVersion{}, false, nil
		}
		return StableVersion{}, false, fmt.Errorf("lookup stable version %s/%s: %w", nodeType, chain, err)
	}
	return v, true, nil
}

// --- Alerts (C4 persistence) ---

// ActivateAlert inserts a row into the active-alert table for a.Scope if no
// row with matching (organization, alert-id) already exists; otherwise it
// is a no-op and the existing row is returned (idempotent, I2/I3).
func (s *Store) ActivateAlert(ctx context.Context, a Alert) (Alert, error) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	table := activeTableFor(a.Scope)
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(alert_id, organization_id, machine_id, node_name, kind, payload, created_at,
			 send_state_email, send_state_telegram, send_state_pagerduty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'no_send', 'no_send', 'no_send')
		ON CONFLICT (organization_id, alert_id) DO UPDATE SET alert_id = %s.alert_id
		RETURNING alert_id, organization_id, machine_id, node_name, kind, payload, created_at,
		          acknowledged_at, send_state_email, send_state_telegram, send_state_pagerduty`, table, table),
		a.AlertID, a.OrganizationID, nullableStr(a.MachineID), nullableStr(a.NodeName),
		string(a.Kind), []byte(a.Payload), a.CreatedAt,
	)
	out, err := scanAlert(row, a.Scope)
	if err != nil {
		return Alert{}, fmt.Errorf("activate alert %s: %w", a.AlertID, err)
	}
	return out, nil
}

// AcknowledgeAlert sets acknowledged_at on the active row, permitting the
// dispatcher to stop retrying without resolving the alert.
func (s *Store) AcknowledgeAlert(ctx context.Context, scope AlertScope, orgID, alertID string, now time.Time) error {
	table := activeTableFor(scope)
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET acknowledged_at = $3
		WHERE organization_id = $1 AND alert_id = $2`, table), orgID, alertID, now)
	if err != nil {
		return fmt.Errorf("acknowledge alert %s: %w", alertID, err)
	}
	return nil
}

// ResolveAlert moves the active row into the scope's historical partition
// with resolved_at = now, then deletes the active row, in one transaction.
func (s *Store) ResolveAlert(ctx context.Context, scope AlertScope, orgID, alertID string, now time.Time) error {
	active := activeTableFor(scope)
	historical := historicalTableFor(scope)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("resolve alert %s: begin tx: %w", alertID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(alert_id, organization_id, machine_id, node_name, kind, payload, created_at,
			 acknowledged_at, resolved_at, send_state_email, send_state_telegram, send_state_pagerduty)
		SELECT alert_id, organization_id, machine_id, node_name, kind, payload, created_at,
		       acknowledged_at, $3, send_state_email, send_state_telegram, send_state_pagerduty
		FROM %s WHERE organization_id = $1 AND alert_id = $2`, historical, active),
		orgID, alertID, now,
	)
	if err != nil {
		return fmt.Errorf("resolve alert %s: copy to historical: %w", alertID, err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE organization_id = $1 AND alert_id = $2`, active), orgID, alertID)
	if err != nil {
		return fmt.Errorf("resolve alert %s: delete active: %w", alertID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("resolve alert %s: commit: %w", alertID, err)
	}
	return nil
}

// SetSendState updates a single channel column. The caller (C4's
// alertstate.Machine.SetSendState) is
// responsible for enforcing the I4/P3 monotonicity rule
// (no_send→*, send_failed→send_success, never send_success→*); SetSendState
// itself performs an unconditional write so that callers with already-
// validated transitions do not pay for an extra read.
func (s *Store) SetSendState(ctx context.Context, scope AlertScope, orgID, alertID string, svc ServiceType, state SendState) error {
	col, err := sendStateColumn(svc)
	if err != nil {
		return err
	}
	table := activeTableFor(scope)
	_, err = s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s = $3 WHERE organization_id = $1 AND alert_id = $2`, table, col),
		orgID, alertID, string(state))
	if err != nil {
		return fmt.Errorf("set send state %s/%s: %w", alertID, svc, err)
	}
	return nil
}

// GetActiveAlert returns the active row for (scope, org, alertID), or
// found=false.
func (s *Store) GetActiveAlert(ctx context.Context, scope AlertScope, orgID, alertID string) (Alert, bool, error) {
	table := activeTableFor(scope)
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT alert_id, organization_id, machine_id, node_name, kind, payload, created_at,
		       acknowledged_at, send_state_email, send_state_telegram, send_state_pagerduty
		FROM %s WHERE organization_id = $1 AND alert_id = $2`, table), orgID, alertID)
	a, err := scanAlert(row, scope)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Alert{}, false, nil
		}
		return Alert{}, false, fmt.Errorf("get active alert %s: %w", alertID, err)
	}
	return a, true, nil
}

// ListActiveAlerts returns every active alert of scope/kind for an
// organization, used by the rule driver (C8) to diff currently-firing
// fingerprints against what is already active.
func (s *Store) ListActiveAlerts(ctx context.Context, scope AlertScope, orgID string, kind AlertKind) ([]Alert, error) {
	table := activeTableFor(scope)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT alert_id, organization_id, machine_id, node_name, kind, payload, created_at,
		       acknowledged_at, send_state_email, send_state_telegram, send_state_pagerduty
		FROM %s WHERE organization_id = $1 AND kind = $2`, table), orgID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows, scope)
		if err != nil {
			return nil, fmt.Errorf("scan active alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListRetryableAlerts returns every active alert across a scope that still
// has at least one channel in no_send/send_failed, for the dispatcher's
// periodic retry tick.
func (s *Store) ListRetryableAlerts(ctx context.Context, scope AlertScope, orgID string) ([]Alert, error) {
	table := activeTableFor(scope)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT alert_id, organization_id, machine_id, node_name, kind, payload, created_at,
		       acknowledged_at, send_state_email, send_state_telegram, send_state_pagerduty
		FROM %s
		WHERE organization_id = $1 AND acknowledged_at IS NULL
		  AND (send_state_email <> 'send_success' OR send_state_telegram <> 'send_success' OR send_state_pagerduty <> 'send_success')`,
		table), orgID)
	if err != nil {
		return nil, fmt.Errorf("list retryable alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows, scope)
		if err != nil {
			return nil, fmt.Errorf("scan retryable alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// QueryHistoricalAlerts returns paginated historical alerts for q's scope
// and organization within [q.From, q.To) on resolved_at.
func (s *Store) QueryHistoricalAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	table := historicalTableFor(q.Scope)

	args := []any{q.OrganizationID, q.From, q.To, q.Limit, q.Offset}
	where := "WHERE organization_id = $1 AND resolved_at >= $2 AND resolved_at < $3"
	if q.Kind != nil {
		where += " AND kind = $6"
		args = append(args, string(*q.Kind))
	}

	sql := fmt.Sprintf(`
		SELECT alert_id, organization_id, machine_id, node_name, kind, payload, created_at,
		       acknowledged_at, resolved_at, send_state_email, send_state_telegram, send_state_pagerduty
		FROM %s
		%s
		ORDER BY resolved_at DESC, alert_id
		LIMIT $4 OFFSET $5`, table, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query historical alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		var machineID, nodeName *string
		var kind, emailState, tgState, pdState string
		var resolvedAt *time.Time
		var payload []byte
		err := rows.Scan(&a.AlertID, &a.OrganizationID, &machineID, &nodeName, &kind, &payload, &a.CreatedAt,
			&a.AcknowledgedAt, &resolvedAt, &emailState, &tgState, &pdState)
		if err != nil {
			return nil, fmt.Errorf("scan historical alert: %w", err)
		}
		a.Scope = q.Scope
		a.Kind = AlertKind(kind)
		a.Payload = payload
		a.ResolvedAt = resolvedAt
		a.SendStateEmail = SendState(emailState)
		a.SendStateTg = SendState(tgState)
		a.SendStatePD = SendState(pdState)
		if machineID != nil {
			a.MachineID = *machineID
		}
		if nodeName != nil {
			a.NodeName = *nodeName
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Notification settings ---

// GetNotificationSettings returns an organization's channel enablement and
// deliverable-kind bitset.
func (s *Store) GetNotificationSettings(ctx context.Context, orgID string) (NotificationSettings, error) {
	var n NotificationSettings
	n.OrganizationID = orgID
	var kinds []string
	err := s.pool.QueryRow(ctx, `
		SELECT email_enabled, telegram_enabled, pagerduty_enabled, deliverable_kinds
		FROM   notification_settings WHERE organization_id = $1`, orgID,
	).Scan(&n.EmailEnabled, &n.TelegramEnabled, &n.PagerDutyEnabled, &kinds)
	if err != nil {
		if err == pgx.ErrNoRows {
			return NotificationSettings{OrganizationID: orgID}, nil
		}
		return NotificationSettings{}, fmt.Errorf("get notification settings %s: %w", orgID, err)
	}
	for _, k := range kinds {
		n.DeliverableKinds = append(n.DeliverableKinds, AlertKind(k))
	}
	return n, nil
}

// GetServiceSettings returns an organization's channel delivery addresses.
func (s *Store) GetServiceSettings(ctx context.Context, orgID string) (ServiceSettings, error) {
	var svc ServiceSettings
	svc.OrganizationID = orgID
	err := s.pool.QueryRow(ctx, `
		SELECT email_recipients, telegram_chat_ids, pagerduty_keys
		FROM   service_settings WHERE organization_id = $1`, orgID,
	).Scan(&svc.EmailRecipients, &svc.TelegramChatIDs, &svc.PagerDutyKeys)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ServiceSettings{OrganizationID: orgID}, nil
		}
		return ServiceSettings{}, fmt.Errorf("get service settings %s: %w", orgID, err)
	}
	return svc, nil
}

// --- Organizations ---

// CreateOrganization inserts a new tenant. Organization CRUD otherwise
// belongs to the excluded HTTP API surface; this is the one write path the
// ingestion/alerting core needs itself (e.g. provisioning a tenant ahead of
// its first Register RPC in tests and bootstrap scripts).
func (s *Store) CreateOrganization(ctx context.Context, org Organization) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO organizations (organization_id, name, verified, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (organization_id) DO NOTHING`,
		org.OrganizationID, org.Name, org.Verified,
	)
	if err != nil {
		return fmt.Errorf("create organization %s: %w", org.OrganizationID, err)
	}
	return nil
}

// ListOrganizations returns every verified organization, for the rule
// driver's per-tick scan across tenants (§4.8).
func (s *Store) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT organization_id, name, verified, created_at FROM organizations WHERE verified`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var out []Organization
	for rows.Next() {
		var o Organization
		if err := rows.Scan(&o.OrganizationID, &o.Name, &o.Verified, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Client/Machine binding (also satisfies verify.ClientBinding) ---

// UpsertClient registers or refreshes a client's bound organization and
// public key. Called on the Register RPC.
func (s *Store) UpsertClient(ctx context.Context, c Client) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clients (operator_address, organization_id, email, password_hash, hostname, public_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (operator_address) DO UPDATE SET
			hostname   = EXCLUDED.hostname,
			public_key = EXCLUDED.public_key`,
		c.OperatorAddress, c.OrganizationID, nullableStr(c.Email), c.PasswordHash, nullableStr(c.Hostname), c.PublicKey,
	)
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", c.OperatorAddress, err)
	}
	return nil
}

// UpsertMachine binds a machine to a client, creating it on first
// authenticated telemetry carrying a fresh machine-id.
func (s *Store) UpsertMachine(ctx context.Context, m Machine) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO machines (machine_id, operator_address, organization_id, agent_version, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (machine_id) DO UPDATE SET
			agent_version = EXCLUDED.agent_version`,
		m.MachineID, m.OperatorAddress, m.OrganizationID, nullableStr(m.AgentVersion),
	)
	if err != nil {
		return fmt.Errorf("upsert machine %s: %w", m.MachineID, err)
	}
	return nil
}

// GetMachine returns the machine's client/organization binding.
func (s *Store) GetMachine(ctx context.Context, machineID string) (Machine, bool, error) {
	var m Machine
	err := s.pool.QueryRow(ctx, `
		SELECT machine_id, operator_address, organization_id, COALESCE(agent_version, ''), created_at
		FROM   machines WHERE machine_id = $1`, machineID,
	).Scan(&m.MachineID, &m.OperatorAddress, &m.OrganizationID, &m.AgentVersion, &m.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Machine{}, false, nil
		}
		return Machine{}, false, fmt.Errorf("get machine %s: %w", machineID, err)
	}
	return m, true, nil
}

// ResolveOwner implements verify.ClientBinding: it looks up the machine's
// owning client's operator address, the binding C1 checks a recovered
// signature against.
func (s *Store) ResolveOwner(ctx context.Context, machineID string) (verify.Address, bool, error) {
	var hexAddr string
	err := s.pool.QueryRow(ctx, `
		SELECT c.operator_address
		FROM   machines m JOIN clients c ON c.operator_address = m.operator_address
		WHERE  m.machine_id = $1`, machineID,
	).Scan(&hexAddr)
	if err != nil {
		if err == pgx.ErrNoRows {
			return verify.Address{}, false, nil
		}
		return verify.Address{}, false, fmt.Errorf("resolve owner for machine %s: %w", machineID, err)
	}
	addr, err := decodeAddress(hexAddr)
	if err != nil {
		return verify.Address{}, false, fmt.Errorf("resolve owner for machine %s: %w", machineID, err)
	}
	return addr, true, nil
}

// NodeWithOwner is a node row joined with its owning machine's operator
// address, for rules that need to resolve active-set membership (C8's
// UnregisteredFromActiveSet) or run version matching (C5) across every node
// in an organization.
type NodeWithOwner struct {
	Node
	OperatorAddress string
}

// ListNodesByOrganization returns every node belonging to any machine owned
// by orgID, for the rule driver's per-tick scan (§4.8).
func (s *Store) ListNodesByOrganization(ctx context.Context, orgID string) ([]NodeWithOwner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT n.machine_id, n.name, n.node_type, COALESCE(n.manifest, ''), n.metrics_alive, n.node_running,
		       COALESCE(n.chain, ''), n.updated_at, m.operator_address
		FROM   nodes n JOIN machines m ON m.machine_id = n.machine_id
		WHERE  m.organization_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list nodes by organization %s: %w", orgID, err)
	}
	defer rows.Close()

	var out []NodeWithOwner
	for rows.Next() {
		var n NodeWithOwner
		if err := rows.Scan(&n.MachineID, &n.Name, &n.NodeType, &n.Manifest, &n.MetricsAlive, &n.NodeRunning,
			&n.Chain, &n.UpdatedAt, &n.OperatorAddress); err != nil {
			return nil, fmt.Errorf("scan node by organization: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListMachinesByOrganization returns every machine owned by orgID.
func (s *Store) ListMachinesByOrganization(ctx context.Context, orgID string) ([]Machine, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT machine_id, operator_address, organization_id, COALESCE(agent_version, ''), created_at
		FROM   machines WHERE organization_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list machines by organization %s: %w", orgID, err)
	}
	defer rows.Close()

	var out []Machine
	for rows.Next() {
		var m Machine
		if err := rows.Scan(&m.MachineID, &m.OperatorAddress, &m.OrganizationID, &m.AgentVersion, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan machine by organization: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMachineFactsByOrganization returns the latest hardware/runtime
// snapshot for every machine owned by orgID that has reported one.
func (s *Store) ListMachineFactsByOrganization(ctx context.Context, orgID string) ([]MachineFacts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT f.machine_id, f.uptime_sec, f.cpu_usage_pct, f.cpu_cores, f.mem_used_bytes, f.mem_free_bytes,
		       f.mem_total_bytes, f.disks, COALESCE(f.agent_version, ''), f.updated_at
		FROM   machine_facts f JOIN machines m ON m.machine_id = f.machine_id
		WHERE  m.organization_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list machine facts by organization %s: %w", orgID, err)
	}
	defer rows.Close()

	var out []MachineFacts
	for rows.Next() {
		var f MachineFacts
		var disks []byte
		if err := rows.Scan(&f.MachineID, &f.UptimeSec, &f.CPUUsagePct, &f.CPUCores, &f.MemUsedBytes, &f.MemFreeBytes,
			&f.MemTotal, &disks, &f.AgentVersion, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan machine facts by organization: %w", err)
		}
		if len(disks) > 0 {
			if err := json.Unmarshal(disks, &f.Disks); err != nil {
				return nil, fmt.Errorf("unmarshal disk facts for %s: %w", f.MachineID, err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListMetricsByOrganization returns the current gauge value of every metric
// sample reported by any machine owned by orgID.
func (s *Store) ListMetricsByOrganization(ctx context.Context, orgID string) ([]MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.machine_id, COALESCE(s.avs_name, ''), s.name, s.value, s.attributes, s.observed_at
		FROM   metric_samples s JOIN machines m ON m.machine_id = s.machine_id
		WHERE  m.organization_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list metrics by organization %s: %w", orgID, err)
	}
	defer rows.Close()

	var out []MetricSample
	for rows.Next() {
		var sample MetricSample
		var attrs []byte
		if err := rows.Scan(&sample.MachineID, &sample.AVSName, &sample.Name, &sample.Value, &attrs, &sample.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan metric by organization: %w", err)
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &sample.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshal metric attributes for %s: %w", sample.MachineID, err)
			}
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// --- helpers ---

func activeTableFor(scope AlertScope) string {
	switch scope {
	case ScopeMachine:
		return "machine_alerts_active"
	case ScopeNode:
		return "node_alerts_active"
	default:
		return "organization_alerts_active"
	}
}

func historicalTableFor(scope AlertScope) string {
	switch scope {
	case ScopeMachine:
		return "machine_alerts_historical"
	case ScopeNode:
		return "node_alerts_historical"
	default:
		return "organization_alerts_historical"
	}
}

func sendStateColumn(svc ServiceType) (string, error) {
	switch svc {
	case ServiceEmail:
		return "send_state_email", nil
	case ServiceTelegram:
		return "send_state_telegram", nil
	case ServicePagerDuty:
		return "send_state_pagerduty", nil
	default:
		return "", fmt.Errorf("unknown service type %q", svc)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(r rowScanner, scope AlertScope) (Alert, error) {
	var a Alert
	var machineID, nodeName *string
	var kind, emailState, tgState, pdState string
	var payload []byte
	err := r.Scan(&a.AlertID, &a.OrganizationID, &machineID, &nodeName, &kind, &payload, &a.CreatedAt,
		&a.AcknowledgedAt, &emailState, &tgState, &pdState)
	if err != nil {
		return Alert{}, err
	}
	a.Scope = scope
	a.Kind = AlertKind(kind)
	a.Payload = payload
	a.SendStateEmail = SendState(emailState)
	a.SendStateTg = SendState(tgState)
	a.SendStatePD = SendState(pdState)
	if machineID != nil {
		a.MachineID = *machineID
	}
	if nodeName != nil {
		a.NodeName = *nodeName
	}
	return a, nil
}

// nullableStr converts an empty string to a nil pointer, stored as SQL
// NULL; a non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
