// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nishisan-dev/n-upload/internal/config"
)

// Agent agrupa os componentes de longa duração do nupload-agent.
type Agent struct {
	Conn    *ConnManager
	monitor *SystemMonitor
	stats   *StatsReporter
}

// New monta os componentes do agent sem iniciá-los.
func New(cfg *config.AgentConfig, logger *slog.Logger) (*Agent, error) {
	conn, err := NewConnManager(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating connection manager: %w", err)
	}

	diskPath := "/"
	if len(cfg.Upload.AllowedRoots) > 0 {
		diskPath = cfg.Upload.AllowedRoots[0]
	} else if cfg.Upload.DefaultFile != "" {
		diskPath = filepath.Dir(cfg.Upload.DefaultFile)
	}

	monitor := NewSystemMonitor(logger, 0, diskPath)
	return &Agent{
		Conn:    conn,
		monitor: monitor,
		stats:   NewStatsReporter(conn, monitor, cfg.Stats.Interval, logger),
	}, nil
}

// Start inicia monitor, conexão e stats reporter.
func (a *Agent) Start() {
	a.monitor.Start()
	a.Conn.Start()
	a.stats.Start()
}

// Stop encerra os componentes na ordem inversa do Start.
func (a *Agent) Stop() {
	a.stats.Stop()
	a.Conn.Stop()
	a.monitor.Stop()
}

// RunDaemon inicia o agent e bloqueia até receber SIGTERM ou SIGINT.
// SIGHUP recarrega a configuração e reabre a conexão (systemctl reload).
func RunDaemon(configPath string, cfg *config.AgentConfig, logger *slog.Logger) error {
	logger.Info("starting agent",
		"agent", cfg.Agent.Name,
		"server", cfg.Server.Address,
		"tls_mode", cfg.TLS.ParsedMode,
		"version", Version,
	)

	a, err := New(cfg, logger)
	if err != nil {
		return err
	}
	a.Start()

	// Aguarda signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		sig := <-sigCh

		if sig == syscall.SIGHUP {
			logger.Info("received SIGHUP, reloading config", "path", configPath)

			newCfg, loadErr := config.LoadAgentConfig(configPath)
			if loadErr != nil {
				logger.Error("reload failed, keeping current config", "error", loadErr)
				continue
			}

			next, buildErr := New(newCfg, logger)
			if buildErr != nil {
				logger.Error("reload failed, keeping current config", "error", buildErr)
				continue
			}

			// Uploads em andamento são abortados; o server os marca como FAILED
			a.Stop()
			a, cfg = next, newCfg
			a.Start()

			logger.Info("config reloaded successfully",
				"agent", cfg.Agent.Name,
				"server", cfg.Server.Address,
			)
			continue
		}

		// SIGTERM ou SIGINT: graceful shutdown
		logger.Info("received signal, shutting down", "signal", sig)
		a.Stop()
		return nil
	}
}
