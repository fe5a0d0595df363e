// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// StatsReporter emite periodicamente no log os contadores do Connection
// Manager junto com a última amostra do SystemMonitor.
type StatsReporter struct {
	conn      *ConnManager
	monitor   *SystemMonitor
	logger    *slog.Logger
	interval  time.Duration
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria um StatsReporter. monitor pode ser nil.
func NewStatsReporter(conn *ConnManager, monitor *SystemMonitor, interval time.Duration, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		conn:      conn,
		monitor:   monitor,
		logger:    logger,
		interval:  interval,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
		<-sr.done
	}
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	sr.logger.Info("agent stats", sr.attrs()...)
}

func (sr *StatsReporter) attrs() []any {
	st := sr.conn.Stats()
	attrs := []any{
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"state", st.State,
		"connects", st.Connects,
		"uploads_active", st.UploadsActive,
		"uploads_started", st.UploadsStarted,
		"uploads_ok", st.UploadsOK,
		"uploads_failed", st.UploadsFailed,
		"bytes_sent", st.BytesSent,
	}

	if sr.monitor != nil {
		sys := sr.monitor.Stats()
		if !sys.CollectedAt.IsZero() {
			attrs = append(attrs,
				"cpu_percent", round1(sys.CPUPercent),
				"memory_percent", round1(sys.MemoryPercent),
				"disk_usage_percent", round1(sys.DiskUsagePercent),
				"load_average", round1(sys.LoadAverage),
			)
		}
	}
	return attrs
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
