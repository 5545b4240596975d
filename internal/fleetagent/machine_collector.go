package fleetagent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fleetwatch/core/internal/ingestpb"
)

// MachineStats is a single point-in-time snapshot of the host's resource
// usage, as sent in a MachineData RPC.
type MachineStats struct {
	UptimeSec     int64
	CPUUsagePct   float64
	CPUCores      int32
	MemUsedBytes  int64
	MemFreeBytes  int64
	MemTotalBytes int64
	Disks         []ingestpb.DiskFacts
}

// MachineStatsReader samples the host's current resource usage. It is the
// seam the MachineCollector reads through, swappable in tests.
type MachineStatsReader interface {
	Read() (MachineStats, error)
}

// defaultMachineStatsReader reads /proc/stat, /proc/meminfo, /proc/uptime,
// and the statfs of each configured mount point. It is stateful: CPU usage
// is a delta between consecutive polls, so the first Read call after
// construction always reports 0%.
type defaultMachineStatsReader struct {
	mounts []diskMount

	mu                  sync.Mutex
	prevIdle, prevTotal uint64
	havePrev            bool
}

// diskMount pairs a disk identifier (as reported to the server) with the
// filesystem path statfs is called against.
type diskMount struct {
	id   string
	path string
}

// NewMachineStatsReader builds the default /proc-based reader. mounts maps
// disk ids to local mount paths (e.g. {"root": "/", "data": "/mnt/data"}).
func NewMachineStatsReader(mounts map[string]string) MachineStatsReader {
	r := &defaultMachineStatsReader{}
	for id, path := range mounts {
		r.mounts = append(r.mounts, diskMount{id: id, path: path})
	}
	return r
}

func (r *defaultMachineStatsReader) Read() (MachineStats, error) {
	uptime, err := readUptime()
	if err != nil {
		return MachineStats{}, fmt.Errorf("machine stats: uptime: %w", err)
	}

	cpuPct, err := r.readCPUUsage()
	if err != nil {
		return MachineStats{}, fmt.Errorf("machine stats: cpu: %w", err)
	}

	memUsed, memFree, memTotal, err := readMemInfo()
	if err != nil {
		return MachineStats{}, fmt.Errorf("machine stats: meminfo: %w", err)
	}

	stats := MachineStats{
		UptimeSec:     uptime,
		CPUUsagePct:   cpuPct,
		CPUCores:      int32(runtime.NumCPU()),
		MemUsedBytes:  memUsed,
		MemFreeBytes:  memFree,
		MemTotalBytes: memTotal,
	}

	for _, m := range r.mounts {
		facts, err := readDiskFacts(m.id, m.path)
		if err != nil {
			continue // a single unreadable mount does not fail the whole snapshot
		}
		stats.Disks = append(stats.Disks, facts)
	}

	return stats, nil
}

// readUptime reads the first field of /proc/uptime (seconds since boot).
func readUptime() (int64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected /proc/uptime format")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	return int64(secs), nil
}

// readCPUUsage reads the aggregate "cpu" line of /proc/stat and returns the
// percentage of non-idle time since the previous call.
func (r *defaultMachineStatsReader) readCPUUsage() (float64, error) {
	idle, total, err := readCPUTotals()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.havePrev {
		r.prevIdle, r.prevTotal = idle, total
		r.havePrev = true
		return 0, nil
	}

	deltaTotal := total - r.prevTotal
	deltaIdle := idle - r.prevIdle
	r.prevIdle, r.prevTotal = idle, total

	if deltaTotal == 0 {
		return 0, nil
	}
	return (1 - float64(deltaIdle)/float64(deltaTotal)) * 100, nil
}

// readCPUTotals parses the "cpu  user nice system idle iowait irq softirq
// steal guest guest_nice" line of /proc/stat.
func readCPUTotals() (idle, total uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, 0, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var vals []uint64
	for _, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			break
		}
		vals = append(vals, v)
	}
	if len(vals) < 4 {
		return 0, 0, fmt.Errorf("unexpected /proc/stat field count")
	}

	for _, v := range vals {
		total += v
	}
	idle = vals[3] // idle
	if len(vals) > 4 {
		idle += vals[4] // iowait
	}
	return idle, total, nil
}

// readMemInfo parses MemTotal, MemFree, and MemAvailable from /proc/meminfo
// (values given in kB) and derives used = total - available.
func readMemInfo() (usedBytes, freeBytes, totalBytes int64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	var totalKB, freeKB, availKB int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, perr := strconv.ParseInt(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalKB = v
		case "MemFree":
			freeKB = v
		case "MemAvailable":
			availKB = v
		}
	}
	if totalKB == 0 {
		return 0, 0, 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
	}
	if availKB == 0 {
		availKB = freeKB
	}

	const kB = 1024
	totalBytes = totalKB * kB
	freeBytes = freeKB * kB
	usedBytes = totalBytes - availKB*kB
	return usedBytes, freeBytes, totalBytes, nil
}

// readDiskFacts statfs's path and reports it under id.
func readDiskFacts(id, path string) (ingestpb.DiskFacts, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return ingestpb.DiskFacts{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := int64(stat.Blocks) * int64(stat.Bsize)
	free := int64(stat.Bavail) * int64(stat.Bsize)
	return ingestpb.DiskFacts{
		ID:         id,
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  total - free,
	}, nil
}

// MachineCollector samples host resource usage on a fixed interval and
// emits MachineData events. It implements Collector.
type MachineCollector struct {
	reader       MachineStatsReader
	pollInterval time.Duration
	agentVersion string
	logger       *slog.Logger

	events    chan Event
	stopCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// MachineCollectorOption configures a MachineCollector.
type MachineCollectorOption func(*MachineCollector)

// WithMachinePollInterval overrides the default 30-second poll interval.
func WithMachinePollInterval(d time.Duration) MachineCollectorOption {
	return func(c *MachineCollector) { c.pollInterval = d }
}

// NewMachineCollector constructs a MachineCollector sampling through reader.
func NewMachineCollector(reader MachineStatsReader, agentVersion string, logger *slog.Logger, opts ...MachineCollectorOption) *MachineCollector {
	c := &MachineCollector{
		reader:       reader,
		pollInterval: 30 * time.Second,
		agentVersion: agentVersion,
		logger:       logger,
		events:       make(chan Event, 16),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins polling in a background goroutine. It is non-blocking.
func (c *MachineCollector) Start(_ context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	return nil
}

// Stop signals the background goroutine to exit and blocks until it has.
func (c *MachineCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.closeOnce.Do(func() { close(c.events) })
}

// Events returns the read-only channel on which MachineData events are
// delivered.
func (c *MachineCollector) Events() <-chan Event {
	return c.events
}

func (c *MachineCollector) run() {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

func (c *MachineCollector) poll() {
	stats, err := c.reader.Read()
	if err != nil {
		c.logger.Warn("machine collector: read failed", slog.Any("error", err))
		return
	}

	evt := Event{
		Kind:      EventMachineData,
		Timestamp: time.Now().UTC(),
		MachineData: &ingestpb.MachineDataRequest{
			UptimeSec:     stats.UptimeSec,
			CPUUsagePct:   stats.CPUUsagePct,
			CPUCores:      stats.CPUCores,
			MemUsedBytes:  stats.MemUsedBytes,
			MemFreeBytes:  stats.MemFreeBytes,
			MemTotalBytes: stats.MemTotalBytes,
			Disks:         stats.Disks,
			AgentVersion:  c.agentVersion,
		},
	}

	select {
	case c.events <- evt:
	default:
		c.logger.Warn("machine collector: events channel full, dropping snapshot")
	}
}
