package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// defaultMonitorInterval is the sampling period when none is given.
const defaultMonitorInterval = 15 * time.Second

// SystemStats holds the last host sample.
type SystemStats struct {
	CPUPercent       float64
	MemoryPercent    float64
	DiskUsagePercent float64
	LoadAverage      float64
	CollectedAt      time.Time
}

// SystemMonitor samples host metrics in the background so the stats
// reporter never blocks on gopsutil calls.
type SystemMonitor struct {
	logger   *slog.Logger
	interval time.Duration
	diskPath string

	close     chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu    sync.RWMutex
	stats SystemStats
}

// NewSystemMonitor creates a monitor sampling every interval. diskPath selects
// the filesystem reported as disk usage (usually the directory uploads are read from).
func NewSystemMonitor(logger *slog.Logger, interval time.Duration, diskPath string) *SystemMonitor {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemMonitor{
		logger:   logger.With("component", "system_monitor"),
		interval: interval,
		diskPath: diskPath,
		close:    make(chan struct{}),
	}
}

// Start begins periodic collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor. Safe to call more than once.
func (sm *SystemMonitor) Stop() {
	sm.closeOnce.Do(func() { close(sm.close) })
	sm.wg.Wait()
}

// Stats returns the latest sample.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{CollectedAt: time.Now()}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage(sm.diskPath); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		sm.logger.Debug("failed to collect disk stats", "path", sm.diskPath, "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}
