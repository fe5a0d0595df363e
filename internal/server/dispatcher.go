// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-upload/internal/logging"
	"github.com/nishisan-dev/n-upload/internal/protocol"
)

// TriggerStatus é o resultado de um pedido de upload.
type TriggerStatus string

const (
	StatusQueued             TriggerStatus = "queued"
	StatusClientNotConnected TriggerStatus = "client_not_connected"
)

// ErrChannelBusy indica que o client está conectado, mas o upload_request não coube
// na fila de saída do canal dentro do send_timeout.
var ErrChannelBusy = errors.New("client channel busy")

// TriggerResult é a resposta de Trigger.
type TriggerResult struct {
	UploadID string
	Status   TriggerStatus
}

// Dispatcher traduz pedidos externos em upload_request para o client conectado.
type Dispatcher struct {
	registry    *Registry
	ledger      *Ledger
	sendTimeout time.Duration
	logger      *slog.Logger
	events      EventPublisher
	metrics     *Metrics
}

// NewDispatcher cria um Dispatcher. sendTimeout limita a espera por espaço na fila de saída do canal.
func NewDispatcher(registry *Registry, ledger *Ledger, sendTimeout time.Duration, logger *slog.Logger, events EventPublisher, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	if events == nil {
		events = nopEvents{}
	}
	return &Dispatcher{
		registry:    registry,
		ledger:      ledger,
		sendTimeout: sendTimeout,
		logger:      logger,
		events:      events,
		metrics:     metrics,
	}
}

// Trigger pede ao client identity o upload de filePath (vazio = default_file do client).
//
// Retorna imediatamente após enfileirar o upload_request, sem esperar pela transferência.
// Client ausente resulta em {"", client_not_connected} sem tocar no ledger. Se o envio
// falhar, a entrada recém-criada é abandonada e o resultado depende da causa:
//   - canal fechado: status client_not_connected;
//   - fila de saída cheia até o send_timeout: ErrChannelBusy;
//   - ctx do chamador cancelado: o erro do ctx.
//
// Falhas locais (ex.: abrir o sink) também retornam erro.
func (d *Dispatcher) Trigger(ctx context.Context, identity, filePath string) (TriggerResult, error) {
	peer, ok := d.registry.Lookup(identity)
	if !ok {
		d.metrics.triggerResult(StatusClientNotConnected)
		d.logger.Info("trigger ignored, client not connected", "client_id", identity, "file_path", filePath)
		return TriggerResult{Status: StatusClientNotConnected}, nil
	}

	uploadID, err := d.ledger.Create(identity, peer.ID(), filePath)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("creating upload for %s: %w", identity, err)
	}

	sendCtx := ctx
	if d.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()
	}

	if err := peer.Send(sendCtx, &protocol.UploadRequest{UploadID: uploadID, FilePath: filePath}); err != nil {
		d.ledger.Abandon(uploadID, fmt.Errorf("sending upload_request: %w", err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.logger.Warn("trigger cancelled by caller", "client_id", identity, "upload_id", uploadID, "error", ctxErr)
			return TriggerResult{}, fmt.Errorf("trigger for %s: %w", identity, ctxErr)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			d.logger.Warn("trigger failed, outbound queue full", "client_id", identity, "upload_id", uploadID, "send_timeout", d.sendTimeout)
			return TriggerResult{}, fmt.Errorf("%w: %s", ErrChannelBusy, identity)
		}
		d.metrics.triggerResult(StatusClientNotConnected)
		d.logger.Warn("trigger failed, channel unavailable", "client_id", identity, "upload_id", uploadID, "error", err)
		return TriggerResult{Status: StatusClientNotConnected}, nil
	}

	d.metrics.triggerResult(StatusQueued)
	d.logger.Info("upload requested", "client_id", identity, "upload_id", uploadID, "file_path", filePath)
	d.events.PushEvent("info", "upload_queued", identity, fmt.Sprintf("upload %s requested for %q", uploadID, filePath))
	return TriggerResult{UploadID: uploadID, Status: StatusQueued}, nil
}
