// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o coordenador de uploads (nupload-server): aceita
// canais de clients, autentica, dispara uploads e grava os chunks recebidos.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/pki"
	"github.com/nishisan-dev/n-upload/internal/server/observability"
	"github.com/nishisan-dev/n-upload/internal/transport"
)

// eventRingSize é a capacidade do ring de eventos em memória.
const eventRingSize = 500

// shutdownTimeout limita o encerramento da API HTTP e do scheduler.
const shutdownTimeout = 10 * time.Second

// Option ajusta a construção do Coordinator.
type Option func(*coordinatorOptions)

type coordinatorOptions struct {
	objectPutter ObjectPutter
}

// WithObjectPutter substitui o cliente S3 do arquivamento (usado em testes).
func WithObjectPutter(p ObjectPutter) Option {
	return func(o *coordinatorOptions) { o.objectPutter = p }
}

// Coordinator liga registry, ledger, dispatcher e os componentes auxiliares
// (scheduler, archive, eventos, métricas) de um nupload-server.
type Coordinator struct {
	cfg    *config.ServerConfig
	logger *slog.Logger

	registry   *Registry
	ledger     *Ledger
	dispatcher *Dispatcher
	handler    *Handler
	sinks      *SinkFactory
	metrics    *Metrics
	events     *observability.EventStore
	history    *observability.UploadHistoryRing
	archiver   *Archiver
	scheduler  *Scheduler

	startOnce sync.Once
	closeOnce sync.Once
	bgCancel  context.CancelFunc
	bgWG      sync.WaitGroup
}

// NewCoordinator monta todos os componentes a partir da configuração.
func NewCoordinator(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	var o coordinatorOptions
	for _, opt := range opts {
		opt(&o)
	}

	events, err := observability.NewEventStore(cfg.API.EventsFile, eventRingSize, cfg.API.EventsMaxLines)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}

	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		events:  events,
		history: observability.NewUploadHistoryRing(cfg.API.HistorySize),
		sinks:   NewSinkFactory(cfg.Storage),
	}

	// Os gauges leem registry e ledger no momento da coleta
	c.metrics = NewMetrics(
		func() int { return c.registry.Len() },
		func() int { return c.ledger.Len() },
	)
	c.registry = NewRegistry(cfg.Auth.SharedSecret, cfg.Server.SendTimeout, logger.With("component", "registry"), events, c.metrics)
	c.ledger = NewLedger(c.sinks, LedgerOptions{
		Algorithm:    cfg.Storage.ChecksumAlg,
		UploadLogDir: cfg.Logging.UploadLogDir,
		Logger:       logger.With("component", "ledger"),
		OnFinish:     c.onUploadFinished,
	})
	c.dispatcher = NewDispatcher(c.registry, c.ledger, cfg.Server.SendTimeout, logger.With("component", "dispatcher"), events, c.metrics)
	c.handler = NewHandler(cfg, logger, c.registry, c.ledger, c.metrics)

	if cfg.Archive.Enabled {
		putter := o.objectPutter
		if putter == nil {
			client, err := NewS3Client(ctx, cfg.Archive)
			if err != nil {
				events.Close()
				return nil, fmt.Errorf("configuring archive: %w", err)
			}
			putter = client
		}
		c.archiver = NewArchiver(putter, cfg.Archive, cfg.Storage.OutputDir, logger.With("component", "archive"), events, c.metrics)
	}

	if len(cfg.Schedules) > 0 {
		c.scheduler, err = NewScheduler(cfg.Schedules, c.dispatcher, cfg.Server.SendTimeout, logger.With("component", "scheduler"))
		if err != nil {
			events.Close()
			return nil, fmt.Errorf("configuring schedules: %w", err)
		}
	}

	return c, nil
}

// Registry retorna o registry de clients.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Ledger retorna o ledger de uploads.
func (c *Coordinator) Ledger() *Ledger { return c.ledger }

// Dispatcher retorna o dispatcher de uploads.
func (c *Coordinator) Dispatcher() *Dispatcher { return c.dispatcher }

// Metrics retorna os coletores Prometheus.
func (c *Coordinator) Metrics() *Metrics { return c.metrics }

// Events retorna o store de eventos operacionais.
func (c *Coordinator) Events() *observability.EventStore { return c.events }

// Start inicia as tarefas de fundo: stats reporter, worker de archive e scheduler.
// Chamadas repetidas não têm efeito.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		bgCtx, cancel := context.WithCancel(ctx)
		c.bgCancel = cancel

		c.bgWG.Add(1)
		go func() {
			defer c.bgWG.Done()
			c.handler.StartStatsReporter(bgCtx, c.cfg.Logging.StatsInterval)
		}()

		if c.archiver != nil {
			c.archiver.Start(bgCtx)
		}
		if c.scheduler != nil {
			c.scheduler.Start()
		}
	})
}

// Close para as tarefas de fundo e fecha o store de eventos.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.scheduler != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			c.scheduler.Stop(ctx)
			cancel()
		}
		if c.archiver != nil {
			c.archiver.Stop()
		}
		if c.bgCancel != nil {
			c.bgCancel()
		}
		c.bgWG.Wait()
		err = c.events.Close()
	})
	return err
}

// Serve aceita conexões de ln até ctx ser cancelado. Ao retornar, todas as
// conexões foram encerradas e seus uploads abandonados.
func (c *Coordinator) Serve(ctx context.Context, ln net.Listener) error {
	c.Start(ctx)

	// Goroutine para fechar o listener quando o context for cancelado
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var conns sync.WaitGroup
	defer conns.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed: %w", err)
			}
			c.logger.Error("accepting connection", "error", err)
			continue
		}

		conns.Add(1)
		go func() {
			defer conns.Done()
			c.handler.HandleConnection(ctx, conn)
		}()
	}
}

// APIHandler retorna o http.Handler da API de controle (com ACL).
func (c *Coordinator) APIHandler() http.Handler {
	return observability.NewRouter(observability.RouterOptions{
		Backend:    c,
		Events:     c.events,
		Prometheus: c.metrics.Handler(),
		ACL:        observability.NewACL(c.cfg.API.ParsedCIDRs),
		Logger:     c.logger.With("component", "api"),
	})
}

// onUploadFinished registra o upload finalizado em métricas, histórico e eventos;
// uploads concluídos ainda passam por rotação e archive.
func (c *Coordinator) onUploadFinished(info UploadInfo) {
	c.metrics.uploadFinished(info.State)
	c.history.Push(toUploadSummary(info))

	if info.State != StateCompleted {
		c.events.PushEvent("warn", "upload_failed", info.ClientID, fmt.Sprintf("upload %s failed: %s", info.UploadID, info.Error))
		return
	}
	c.events.PushEvent("info", "upload_completed", info.ClientID,
		fmt.Sprintf("upload %s completed: %d bytes, %s %s", info.UploadID, info.Digest.Size, info.Digest.Algorithm, info.Digest.Hex))

	if keep := c.cfg.Storage.MaxFilesPerClient; keep > 0 {
		removed, err := Rotate(c.sinks.ClientDir(info.ClientID), keep, c.sinks.Extension())
		if err != nil {
			c.logger.Warn("rotating sinks", "client_id", info.ClientID, "error", err)
		} else if len(removed) > 0 {
			c.logger.Info("old sinks removed", "client_id", info.ClientID, "removed", removed)
		}
	}

	if c.archiver != nil {
		c.archiver.Enqueue(info)
	}
}

// MetricsSnapshot implementa observability.Backend.
func (c *Coordinator) MetricsSnapshot() observability.MetricsData {
	trafficIn, diskWrite := c.handler.Totals()
	return observability.MetricsData{
		TrafficIn:     trafficIn,
		DiskWrite:     diskWrite,
		ActiveConns:   c.handler.ActiveConns.Load(),
		Clients:       c.registry.Len(),
		ActiveUploads: c.ledger.Len(),
	}
}

// Clients implementa observability.Backend.
func (c *Coordinator) Clients() []observability.ClientSummary {
	clients := c.registry.Clients()
	out := make([]observability.ClientSummary, 0, len(clients))
	for _, ci := range clients {
		out = append(out, observability.ClientSummary{
			ClientID:    ci.Identity,
			ChannelID:   ci.ChannelID,
			Remote:      ci.RemoteAddr,
			ConnectedAt: ci.ConnectedAt,
		})
	}
	return out
}

// ActiveUploads implementa observability.Backend.
func (c *Coordinator) ActiveUploads() []observability.UploadSummary {
	snap := c.ledger.Snapshot()
	out := make([]observability.UploadSummary, 0, len(snap))
	for _, info := range snap {
		out = append(out, toUploadSummary(info))
	}
	return out
}

// RecentUploads implementa observability.Backend.
func (c *Coordinator) RecentUploads(limit int) []observability.UploadSummary {
	return c.history.Recent(limit)
}

// Upload implementa observability.Backend: ledger primeiro, depois o histórico.
func (c *Coordinator) Upload(id string) (observability.UploadSummary, bool) {
	if info, ok := c.ledger.Get(id); ok {
		return toUploadSummary(info), true
	}
	return c.history.Find(id)
}

// Trigger implementa observability.Backend.
func (c *Coordinator) Trigger(ctx context.Context, clientID, filePath string) (observability.TriggerResponse, error) {
	res, err := c.dispatcher.Trigger(ctx, clientID, filePath)
	if err != nil {
		if errors.Is(err, ErrChannelBusy) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return observability.TriggerResponse{}, fmt.Errorf("%w: %w", observability.ErrUnavailable, err)
		}
		return observability.TriggerResponse{}, err
	}
	return observability.TriggerResponse{UploadID: res.UploadID, Status: string(res.Status)}, nil
}

// OutputDir implementa observability.Backend.
func (c *Coordinator) OutputDir() string {
	return c.cfg.Storage.OutputDir
}

func toUploadSummary(info UploadInfo) observability.UploadSummary {
	s := observability.UploadSummary{
		UploadID:  info.UploadID,
		ClientID:  info.ClientID,
		FilePath:  info.FilePath,
		SinkPath:  info.SinkPath,
		State:     string(info.State),
		Bytes:     info.Bytes,
		Chunks:    info.Chunks,
		Checksum:  info.Digest.Hex,
		Algorithm: string(info.Digest.Algorithm),
		Error:     info.Error,
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.UpdatedAt,
	}
	if !info.FinishedAt.IsZero() {
		finished := info.FinishedAt
		s.FinishedAt = &finished
	}
	return s
}

// Run inicia o nupload-server e bloqueia até o context ser cancelado.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	tlsCfg, err := pki.NewServerCredentials(cfg.TLS.ParsedMode, cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		return fmt.Errorf("configuring TLS: %w", err)
	}

	ln, err := transport.Listen(cfg.Server.Listen, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	defer ln.Close()

	c, err := NewCoordinator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.API.Enabled {
		apiServer := &http.Server{
			Addr:         cfg.API.Listen,
			Handler:      c.APIHandler(),
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
			IdleTimeout:  cfg.API.IdleTimeout,
		}
		apiLn, err := net.Listen("tcp", cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("listening api on %s: %w", cfg.API.Listen, err)
		}
		go func() {
			logger.Info("api listening", "address", apiLn.Addr().String())
			if err := apiServer.Serve(apiLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("api server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			apiServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("server listening", "address", ln.Addr().String(), "tls_mode", cfg.TLS.ParsedMode)
	err = c.Serve(ctx, ln)
	logger.Info("server shutdown complete")
	return err
}
