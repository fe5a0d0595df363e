// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/protocol"
	"github.com/nishisan-dev/n-upload/internal/transport"
)

// errChannelClosed é a causa registrada nos uploads abandonados por queda do canal.
var errChannelClosed = errors.New("channel closed")

// Handler processa conexões individuais de clients.
type Handler struct {
	cfg      *config.ServerConfig
	logger   *slog.Logger
	registry *Registry
	ledger   *Ledger
	metrics  *Metrics

	// Métricas observáveis pelo stats reporter
	TrafficIn   atomic.Int64 // bytes de chunk recebidos (acumulado desde último reset)
	DiskWrite   atomic.Int64 // bytes aplicados nos sinks (acumulado desde último reset)
	ActiveConns atomic.Int32 // conexões ativas no momento

	// Totais desde o início, expostos em /api/v1/metrics
	totalTrafficIn atomic.Int64
	totalDiskWrite atomic.Int64
}

// NewHandler cria um novo Handler.
func NewHandler(cfg *config.ServerConfig, logger *slog.Logger, registry *Registry, ledger *Ledger, metrics *Metrics) *Handler {
	return &Handler{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		ledger:   ledger,
		metrics:  metrics,
	}
}

// StartStatsReporter imprime métricas do server a cada intervalo:
// conexões ativas, clients registrados, uploads ativos, traffic in e disk write (MB/s).
func (h *Handler) StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Swap-and-reset: lê o acumulado e zera
			trafficIn := h.TrafficIn.Swap(0)
			diskWrite := h.DiskWrite.Swap(0)

			secs := interval.Seconds()
			trafficMBps := float64(trafficIn) / secs / (1024 * 1024)
			diskMBps := float64(diskWrite) / secs / (1024 * 1024)

			h.logger.Info("server stats",
				"conns", h.ActiveConns.Load(),
				"clients", h.registry.Len(),
				"uploads", h.ledger.Len(),
				"traffic_in_MBps", fmt.Sprintf("%.2f", trafficMBps),
				"disk_write_MBps", fmt.Sprintf("%.2f", diskMBps),
				"traffic_in_total_MB", fmt.Sprintf("%.1f", float64(trafficIn)/(1024*1024)),
				"disk_write_total_MB", fmt.Sprintf("%.1f", float64(diskWrite)/(1024*1024)),
			)
		}
	}
}

// Totals retorna os bytes recebidos e gravados desde o início do processo.
func (h *Handler) Totals() (trafficIn, diskWrite int64) {
	return h.totalTrafficIn.Load(), h.totalDiskWrite.Load()
}

// HandleConnection processa uma conexão de client até ela fechar.
//
// A primeira mensagem deve ser hello, dentro de server.handshake_timeout. Depois
// disso cada mensagem é despachada para o ledger na ordem recebida. Ao sair, a
// entrada do registry (se ainda for desta conexão) e todos os uploads do canal
// são descartados.
func (h *Handler) HandleConnection(ctx context.Context, conn net.Conn) {
	h.ActiveConns.Add(1)
	defer h.ActiveConns.Add(-1)

	ch := transport.NewChannel(conn, transport.Options{
		QueueSize:    h.cfg.Server.OutboundQueue,
		WriteTimeout: h.cfg.Server.SendTimeout,
		Logger:       h.logger,
	})
	logger := h.logger.With("remote", ch.RemoteAddr(), "channel", ch.ID())

	// Cancelamento do server fecha o canal e encerra a leitura
	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	if h.cfg.Server.HandshakeTimeout > 0 {
		ch.SetReadDeadline(time.Now().Add(h.cfg.Server.HandshakeTimeout))
	}

	authenticated := false

	defer func() {
		ch.Close()
		if !authenticated {
			return
		}
		h.registry.OnDisconnect(ch)
		if ids := h.ledger.AbandonOwner(ch.ID(), errChannelClosed); len(ids) > 0 {
			logger.Warn("abandoned uploads of closed channel", "count", len(ids), "upload_ids", ids)
		}
	}()

	for msg, err := range ch.Messages() {
		if !authenticated {
			if err != nil {
				h.rejectHandshake(ctx, ch, logger, err)
				return
			}
			hello, ok := msg.(*protocol.Hello)
			if !ok {
				h.rejectHandshake(ctx, ch, logger, fmt.Errorf("expected hello, got %s", protocol.Name(msg)))
				return
			}
			if err := h.registry.OnHello(ctx, ch, hello.Identity, hello.Secret); err != nil {
				if !errors.Is(err, ErrAuth) {
					// Registrado, mas o ready não saiu: o canal já está morto
					authenticated = true
					logger.Warn("handshake failed", "error", err)
				}
				return
			}
			ch.SetReadDeadline(time.Time{})
			authenticated = true
			logger = logger.With("client_id", hello.Identity)
			continue
		}

		if err != nil {
			if protocol.IsRecoverable(err) {
				logger.Warn("invalid frame from client", "error", err)
				h.reply(ctx, ch, logger, &protocol.Error{Code: protocol.CodeInternal, Message: err.Error()})
				continue
			}
			logger.Warn("reading from client", "error", err)
			return
		}

		h.dispatch(ctx, ch, logger, msg)
	}

	if !authenticated {
		logger.Debug("connection closed before hello")
	}
}

// rejectHandshake responde AUTH a uma conexão que não começou com um hello válido.
func (h *Handler) rejectHandshake(ctx context.Context, ch *transport.Channel, logger *slog.Logger, cause error) {
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		logger.Warn("handshake timeout")
		return
	}
	h.metrics.authFailed()
	logger.Warn("handshake rejected", "error", cause)
	h.reply(ctx, ch, logger, &protocol.Error{Code: protocol.CodeAuth, Message: "hello required"})
	ch.CloseAfterFlush(h.cfg.Server.SendTimeout)
}

// dispatch trata uma mensagem de um client autenticado.
func (h *Handler) dispatch(ctx context.Context, ch *transport.Channel, logger *slog.Logger, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Chunk:
		h.handleChunk(ctx, ch, logger, m)

	case *protocol.Error:
		// Falha reportada pelo client para um upload que ele recebeu
		if m.UploadID != "" && h.ledger.AbandonOwned(ch.ID(), m.UploadID, fmt.Errorf("client reported %s: %s", m.Code, m.Message)) {
			logger.Warn("upload failed on client", "upload_id", m.UploadID, "code", m.Code, "message", m.Message)
			return
		}
		logger.Warn("client reported error", "upload_id", m.UploadID, "code", m.Code, "message", m.Message)

	default:
		logger.Warn("unexpected message from client", "type", protocol.Name(msg))
		h.reply(ctx, ch, logger, &protocol.Error{Code: protocol.CodeInternal, Message: "unexpected " + protocol.Name(msg)})
	}
}

func (h *Handler) handleChunk(ctx context.Context, ch *transport.Channel, logger *slog.Logger, c *protocol.Chunk) {
	n := int64(len(c.Data))
	h.TrafficIn.Add(n)
	h.totalTrafficIn.Add(n)
	h.metrics.chunkReceived(len(c.Data))

	if limit := h.cfg.Server.MaxChunkSizeRaw; limit > 0 && n > limit {
		if h.ledger.AbandonOwned(ch.ID(), c.UploadID, fmt.Errorf("chunk of %d bytes exceeds max_chunk_size", n)) {
			h.reply(ctx, ch, logger, &protocol.Error{UploadID: c.UploadID, Code: protocol.CodeInternal, Message: "chunk exceeds max_chunk_size"})
		} else {
			h.reply(ctx, ch, logger, &protocol.Error{UploadID: c.UploadID, Code: protocol.CodeNotFound, Message: "unknown upload"})
		}
		return
	}

	ev := h.ledger.OnChunk(ch.ID(), c.UploadID, c.Seq, c.Data, c.Last)
	switch ev.Kind {
	case EventUnknown:
		logger.Debug("chunk for unknown upload", "upload_id", c.UploadID, "seq", c.Seq)
		h.reply(ctx, ch, logger, &protocol.Error{UploadID: c.UploadID, Code: protocol.CodeNotFound, Message: "unknown upload"})

	case EventFailed:
		h.reply(ctx, ch, logger, &protocol.Error{UploadID: c.UploadID, Code: protocol.CodeIO, Message: ev.Err.Error()})

	case EventProgress:
		h.DiskWrite.Add(n)
		h.totalDiskWrite.Add(n)

	case EventComplete:
		h.DiskWrite.Add(n)
		h.totalDiskWrite.Add(n)
		h.reply(ctx, ch, logger, &protocol.Complete{
			UploadID:  c.UploadID,
			Size:      uint64(ev.Digest.Size),
			Checksum:  ev.Digest.Hex,
			Algorithm: string(ev.Digest.Algorithm),
		})
	}
}

// reply envia m ao client. Falhas de envio só são logadas: o loop de leitura
// percebe o canal fechado na próxima leitura.
func (h *Handler) reply(ctx context.Context, ch *transport.Channel, logger *slog.Logger, m protocol.Message) {
	if err := ch.Send(ctx, m); err != nil {
		logger.Debug("reply not delivered", "type", protocol.Name(m), "error", err)
	}
}
