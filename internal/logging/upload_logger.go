// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// teeHandler despacha cada registro para o handler global e para o arquivo
// dedicado do upload. Cada destino aplica seu próprio nível.
type teeHandler struct {
	global slog.Handler
	file   slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.global.Enabled(ctx, level) || h.file.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.global.Enabled(ctx, r.Level) {
		if err := h.global.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	// Falha no arquivo do upload não interrompe o log global.
	if h.file.Enabled(ctx, r.Level) {
		_ = h.file.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{global: h.global.WithAttrs(attrs), file: h.file.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{global: h.global.WithGroup(name), file: h.file.WithGroup(name)}
}

// UploadLogPath retorna o caminho do log dedicado de um upload:
//
//	{uploadLogDir}/{identity}/{uploadID}.log
func UploadLogPath(uploadLogDir, identity, uploadID string) string {
	return filepath.Join(uploadLogDir, identity, uploadID+".log")
}

// NewUploadLogger cria um logger que grava no logger base e em um arquivo
// dedicado ao upload (JSON, nível DEBUG). O logger retornado já carrega os
// atributos client_id e upload_id.
//
// O Closer DEVE ser chamado quando o upload chegar a um estado terminal.
// Se uploadLogDir for vazio, retorna o logger base enriquecido e um Closer no-op.
func NewUploadLogger(base *slog.Logger, uploadLogDir, identity, uploadID string) (*slog.Logger, io.Closer, string, error) {
	attrs := []any{"client_id", identity, "upload_id", uploadID}
	if uploadLogDir == "" {
		return base.With(attrs...), io.NopCloser(nil), "", nil
	}

	logPath := UploadLogPath(uploadLogDir, identity, uploadID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating upload log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening upload log file %s: %w", logPath, err)
	}

	h := &teeHandler{
		global: base.Handler(),
		file:   slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	return slog.New(h).With(attrs...), f, logPath, nil
}

// RemoveUploadLog apaga o log de um upload concluído com sucesso. Logs de
// uploads que falharam são mantidos para diagnóstico.
// É no-op se uploadLogDir for vazio ou o arquivo não existir.
func RemoveUploadLog(uploadLogDir, identity, uploadID string) {
	if uploadLogDir == "" {
		return
	}
	os.Remove(UploadLogPath(uploadLogDir, identity, uploadID))
}
